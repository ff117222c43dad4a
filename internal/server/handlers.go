package server

type conversationCreateRequest struct {
	Title string `json:"title"`
}

type conversationUpdateRequest struct {
	Title *string `json:"title"`
}

type messageCreateRequest struct {
	Conversation string `json:"conversation"`
	Content      string `json:"content"`
	ImageURL     string `json:"image_url"`
}

type promptCreateRequest struct {
	Title      string         `json:"title"`
	InputText  string         `json:"input_text"`
	OutputText string         `json:"output_text"`
	ImageURL   string         `json:"image_url"`
	Confidence *float64       `json:"confidence"`
	ModelUsed  string         `json:"model_used"`
	Metadata   map[string]any `json:"metadata"`
}

package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type promptRecord struct {
	ID         string
	UserID     string
	Title      string
	InputText  string
	OutputText *string
	ImageURL   *string
	Confidence *float64
	ModelUsed  string
	Metadata   []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (a *App) listPrompts(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT id, title, "inputText", "outputText", "imageUrl", confidence, "modelUsed", "metadataJson", "createdAt", "updatedAt"
		 FROM "Prompt"
		 WHERE "userId" = $1
		 ORDER BY "createdAt" DESC`,
		user.ID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load prompts")
		return
	}
	defer rows.Close()

	now := time.Now().UTC()
	items := make([]gin.H, 0, 16)
	for rows.Next() {
		record := promptRecord{UserID: user.ID}
		if err := rows.Scan(
			&record.ID,
			&record.Title,
			&record.InputText,
			&record.OutputText,
			&record.ImageURL,
			&record.Confidence,
			&record.ModelUsed,
			&record.Metadata,
			&record.CreatedAt,
			&record.UpdatedAt,
		); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse prompts")
			return
		}
		items = append(items, promptMap(record, now))
	}

	c.JSON(http.StatusOK, gin.H{"prompts": items})
}

func (a *App) createPrompt(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var payload promptCreateRequest
	if !mustJSON(c, &payload) {
		return
	}
	inputText := strings.TrimSpace(payload.InputText)
	if inputText == "" {
		writeError(c, http.StatusBadRequest, "input_text is required")
		return
	}

	modelUsed := strings.TrimSpace(payload.ModelUsed)
	if modelUsed == "" {
		modelUsed = "fastai"
	}

	var outputRef, imageRef *string
	if trimmed := strings.TrimSpace(payload.OutputText); trimmed != "" {
		outputRef = &trimmed
	}
	if trimmed := strings.TrimSpace(payload.ImageURL); trimmed != "" {
		imageRef = &trimmed
	}

	var metadataValue any
	if payload.Metadata != nil {
		metadataValue = mustMarshalJSON(payload.Metadata)
	}

	record := promptRecord{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		Title:      strings.TrimSpace(payload.Title),
		InputText:  inputText,
		OutputText: outputRef,
		ImageURL:   imageRef,
		Confidence: payload.Confidence,
		ModelUsed:  modelUsed,
	}
	err := a.db.QueryRow(
		c.Request.Context(),
		`INSERT INTO "Prompt" (
			id, "userId", title, "inputText", "outputText", "imageUrl", confidence, "modelUsed", "metadataJson", "createdAt", "updatedAt"
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING "createdAt", "updatedAt"`,
		record.ID,
		user.ID,
		record.Title,
		record.InputText,
		outputRef,
		imageRef,
		payload.Confidence,
		modelUsed,
		metadataValue,
	).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create prompt")
		return
	}
	if payload.Metadata != nil {
		record.Metadata = []byte(mustMarshalJSON(payload.Metadata))
	}

	c.JSON(http.StatusCreated, promptMap(record, time.Now().UTC()))
}

func promptMap(record promptRecord, now time.Time) gin.H {
	item := gin.H{
		"id":         record.ID,
		"title":      record.Title,
		"input_text": record.InputText,
		"output_text": func() any {
			if record.OutputText == nil {
				return nil
			}
			return *record.OutputText
		}(),
		"image_url":  record.ImageURL,
		"confidence": record.Confidence,
		"model_used": record.ModelUsed,
		"created_at": record.CreatedAt.UTC(),
		"updated_at": record.UpdatedAt.UTC(),
		"time_ago":   timeAgo(record.CreatedAt, now),
	}
	if len(record.Metadata) > 0 {
		item["metadata"] = parseJSONStringMap(record.Metadata)
	}
	return item
}

func timeAgo(createdAt, now time.Time) string {
	delta := now.Sub(createdAt)
	switch {
	case delta >= 24*time.Hour:
		return fmt.Sprintf("%d days ago", int(delta.Hours())/24)
	case delta >= time.Hour:
		return fmt.Sprintf("%d hours ago", int(delta.Hours()))
	case delta >= time.Minute:
		return fmt.Sprintf("%d minutes ago", int(delta.Minutes()))
	default:
		return "just now"
	}
}

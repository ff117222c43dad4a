package server

// systemPrompt is the fixed instruction prepended to every user turn. It is
// configuration data for the model, not logic.
const systemPrompt = "You are a helpful health assistant. " +
	"Answer only the question the user asked and do not introduce new topics. " +
	"When answering health questions, cite your sources. " +
	"Format every answer in structured Markdown: use bold text, bullet points, " +
	"tables, and headings where they make the answer clearer."

func composePrompt(userText string) string {
	return systemPrompt + "\n\n" + "User question:\n" + userText
}

package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type conversationRecord struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
}

func (a *App) listConversations(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT id, title, "createdAt"
		 FROM "Conversation"
		 WHERE "userId" = $1
		 ORDER BY "createdAt" DESC`,
		user.ID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load conversations")
		return
	}
	defer rows.Close()

	records := make([]conversationRecord, 0, 16)
	for rows.Next() {
		record := conversationRecord{UserID: user.ID}
		if err := rows.Scan(&record.ID, &record.Title, &record.CreatedAt); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse conversations")
			return
		}
		records = append(records, record)
	}

	items := make([]gin.H, 0, len(records))
	for _, record := range records {
		messages, err := a.loadConversationMessages(c.Request.Context(), record.ID)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load conversation messages")
			return
		}
		items = append(items, conversationMap(record, messages))
	}

	c.JSON(http.StatusOK, gin.H{"conversations": items})
}

func (a *App) createConversation(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	// An absent body is fine and means an untitled conversation; chunked
	// requests report ContentLength -1, so bind and tolerate EOF instead of
	// checking the length.
	payload := conversationCreateRequest{}
	if err := c.ShouldBindJSON(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "Invalid request payload")
		return
	}

	record, err := a.insertConversation(c.Request.Context(), a.db, user.ID, strings.TrimSpace(payload.Title))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create conversation")
		return
	}

	c.JSON(http.StatusCreated, conversationMap(record, []gin.H{}))
}

func (a *App) getConversation(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	record, err := a.loadConversationForUser(c.Request.Context(), user.ID, c.Param("conversation_id"))
	if err != nil {
		a.writeExchangeError(c, err)
		return
	}
	messages, err := a.loadConversationMessages(c.Request.Context(), record.ID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load conversation messages")
		return
	}

	c.JSON(http.StatusOK, conversationMap(record, messages))
}

func (a *App) updateConversation(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var payload conversationUpdateRequest
	if !mustJSON(c, &payload) {
		return
	}
	if payload.Title == nil {
		writeError(c, http.StatusBadRequest, "title is required")
		return
	}

	record, err := a.loadConversationForUser(c.Request.Context(), user.ID, c.Param("conversation_id"))
	if err != nil {
		a.writeExchangeError(c, err)
		return
	}

	title := strings.TrimSpace(*payload.Title)
	if _, err := a.db.Exec(
		c.Request.Context(),
		`UPDATE "Conversation" SET title = $2 WHERE id = $1`,
		record.ID,
		title,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to update conversation")
		return
	}
	record.Title = title

	messages, err := a.loadConversationMessages(c.Request.Context(), record.ID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load conversation messages")
		return
	}
	c.JSON(http.StatusOK, conversationMap(record, messages))
}

func (a *App) deleteConversation(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	record, err := a.loadConversationForUser(c.Request.Context(), user.ID, c.Param("conversation_id"))
	if err != nil {
		a.writeExchangeError(c, err)
		return
	}

	tx, err := a.db.Begin(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to delete conversation")
		return
	}
	defer tx.Rollback(c.Request.Context())

	if _, err := tx.Exec(
		c.Request.Context(),
		`DELETE FROM "Message" WHERE "conversationId" = $1`,
		record.ID,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to delete conversation messages")
		return
	}
	if _, err := tx.Exec(
		c.Request.Context(),
		`DELETE FROM "Conversation" WHERE id = $1`,
		record.ID,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to delete conversation")
		return
	}
	if err := tx.Commit(c.Request.Context()); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to delete conversation")
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *App) latestMessage(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	record, err := a.loadConversationForUser(c.Request.Context(), user.ID, c.Param("conversation_id"))
	if err != nil {
		a.writeExchangeError(c, err)
		return
	}

	var (
		messageID, sender, content string
		imageURL                   *string
		createdAt                  time.Time
	)
	err = a.db.QueryRow(
		c.Request.Context(),
		`SELECT id, sender, content, "imageUrl", "createdAt"
		 FROM "Message"
		 WHERE "conversationId" = $1
		 ORDER BY "createdAt" DESC
		 LIMIT 1`,
		record.ID,
	).Scan(&messageID, &sender, &content, &imageURL, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Empty conversations answer with a null message, not a 404.
		c.JSON(http.StatusOK, gin.H{"message": nil})
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load latest message")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": messageMap(messageID, record.ID, sender, content, imageURL, createdAt),
	})
}

func (a *App) loadConversationForUser(ctx context.Context, userID, conversationID string) (conversationRecord, error) {
	record := conversationRecord{}
	err := a.db.QueryRow(
		ctx,
		`SELECT id, "userId", title, "createdAt"
		 FROM "Conversation"
		 WHERE id = $1 AND "userId" = $2`,
		strings.TrimSpace(conversationID),
		userID,
	).Scan(&record.ID, &record.UserID, &record.Title, &record.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return conversationRecord{}, &exchangeHTTPError{Status: http.StatusNotFound, Detail: "Conversation not found"}
	}
	if err != nil {
		return conversationRecord{}, err
	}
	return record, nil
}

func (a *App) insertConversation(ctx context.Context, q dbQuerier, userID, title string) (conversationRecord, error) {
	record := conversationRecord{
		ID:     uuid.NewString(),
		UserID: userID,
		Title:  title,
	}
	err := q.QueryRow(
		ctx,
		`INSERT INTO "Conversation" (id, "userId", title, "createdAt")
		 VALUES ($1, $2, $3, NOW())
		 RETURNING "createdAt"`,
		record.ID,
		userID,
		title,
	).Scan(&record.CreatedAt)
	if err != nil {
		return conversationRecord{}, err
	}
	return record, nil
}

func conversationMap(record conversationRecord, messages []gin.H) gin.H {
	return gin.H{
		"id":         record.ID,
		"title":      record.Title,
		"created_at": record.CreatedAt.UTC(),
		"messages":   messages,
	}
}

const (
	conversationTitleWords    = 7
	conversationTitleCharMax  = 50
	conversationTitleFallback = "New Chat"
)

// deriveConversationTitle shortens the first assistant reply into a sidebar
// title: leading words only, capped at 50 characters, trailing sentence
// punctuation dropped.
func deriveConversationTitle(assistantText string) string {
	words := strings.Fields(assistantText)
	if len(words) > conversationTitleWords {
		words = words[:conversationTitleWords]
	}
	title := strings.Join(words, " ")
	if runes := []rune(title); len(runes) > conversationTitleCharMax {
		title = strings.TrimSpace(string(runes[:conversationTitleCharMax]))
	}
	title = strings.TrimRight(title, ".!?")
	title = strings.TrimSpace(title)
	if title == "" {
		return conversationTitleFallback
	}
	return title
}

// setConversationTitleIfMissing writes the derived title exactly once: the
// guarded UPDATE makes concurrent calls a no-op after the first.
func (a *App) setConversationTitleIfMissing(ctx context.Context, conversationID, assistantText string) error {
	_, err := a.db.Exec(
		ctx,
		`UPDATE "Conversation" SET title = $2 WHERE id = $1 AND title = ''`,
		conversationID,
		deriveConversationTitle(assistantText),
	)
	return err
}

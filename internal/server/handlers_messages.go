package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	senderUser      = "user"
	senderAssistant = "assistant"
)

type exchangeHTTPError struct {
	Status int
	Detail string
}

func (e *exchangeHTTPError) Error() string {
	return e.Detail
}

type exchangeResult struct {
	ConversationID string
	Messages       []gin.H
}

func (a *App) listMessages(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	conversationID := strings.TrimSpace(c.Query("conversation"))
	if conversationID == "" {
		c.JSON(http.StatusOK, gin.H{"messages": []gin.H{}})
		return
	}

	record, err := a.loadConversationForUser(c.Request.Context(), user.ID, conversationID)
	if err != nil {
		a.writeExchangeError(c, err)
		return
	}

	messages, err := a.loadConversationMessages(c.Request.Context(), record.ID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load messages")
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (a *App) createMessage(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var payload messageCreateRequest
	if !mustJSON(c, &payload) {
		return
	}

	result, err := a.runMessageExchange(c.Request.Context(), user, payload)
	if err != nil {
		a.writeExchangeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"conversation_id": result.ConversationID,
		"messages":        result.Messages,
	})
}

// runMessageExchange is the full turn: resolve the target conversation
// (creating one on quota rollover), validate the user text, persist it,
// invoke the model, normalize and truncate the answer, persist the assistant
// reply (or a fallback on provider failure), and derive a missing title.
// The user message commits before the provider call so a crash mid-call
// still leaves the user's turn recorded.
func (a *App) runMessageExchange(ctx context.Context, user AuthUser, payload messageCreateRequest) (exchangeResult, error) {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return exchangeResult{}, err
	}
	defer tx.Rollback(ctx)

	conversation, err := a.resolveConversationForMessage(ctx, tx, user.ID, strings.TrimSpace(payload.Conversation))
	if err != nil {
		return exchangeResult{}, err
	}

	content := strings.TrimSpace(payload.Content)
	if isBlank(content) {
		return exchangeResult{}, &exchangeHTTPError{Status: http.StatusBadRequest, Detail: "Message cannot be empty."}
	}
	if wordCount(content) > maxUserWords {
		return exchangeResult{}, &exchangeHTTPError{
			Status: http.StatusBadRequest,
			Detail: fmt.Sprintf("Message too long (max %d words).", maxUserWords),
		}
	}

	var imageRef *string
	if trimmed := strings.TrimSpace(payload.ImageURL); trimmed != "" {
		imageRef = &trimmed
	}
	if _, _, err := a.insertMessage(ctx, tx, conversation.ID, senderUser, content, imageRef); err != nil {
		return exchangeResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return exchangeResult{}, err
	}

	// The caller may disconnect while the model runs. Everything past the
	// commit happens on a detached context so the turn still runs to
	// completion and its result is persisted.
	persistCtx := context.WithoutCancel(ctx)

	answer, invokeErr := a.invokeModel(persistCtx, content)
	if invokeErr != nil {
		log.Printf(
			"model invocation failed conversation_id=%s user_id=%s err=%v",
			conversation.ID,
			user.ID,
			invokeErr,
		)
		fallback := fmt.Sprintf(
			"Sorry, I encountered an error generating a response. (Error: %s)",
			invokeErr.Error(),
		)
		if _, _, err := a.insertMessage(persistCtx, a.db, conversation.ID, senderAssistant, fallback, nil); err != nil {
			return exchangeResult{}, err
		}
	} else {
		if _, _, err := a.insertMessage(persistCtx, a.db, conversation.ID, senderAssistant, answer, nil); err != nil {
			return exchangeResult{}, err
		}
		if conversation.Title == "" {
			if err := a.setConversationTitleIfMissing(persistCtx, conversation.ID, answer); err != nil {
				return exchangeResult{}, err
			}
		}
	}

	messages, err := a.loadConversationMessages(persistCtx, conversation.ID)
	if err != nil {
		return exchangeResult{}, err
	}
	return exchangeResult{ConversationID: conversation.ID, Messages: messages}, nil
}

// invokeModel calls the completion provider under the configured timeout and
// returns the normalized, truncated answer.
func (a *App) invokeModel(ctx context.Context, userText string) (string, error) {
	timeoutSeconds := a.cfg.AITimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	modelCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	raw, err := a.ai.Complete(modelCtx, composePrompt(userText), generationParamsFromConfig(a.cfg))
	if err != nil {
		return "", err
	}

	answer := normalizeCompletion(raw, a.cfg.ResponseStripArtifacts)
	if answer == "" {
		return "", errors.New("model response contained no text")
	}
	return truncateWords(answer, maxResponseWords), nil
}

// resolveConversationForMessage applies the continuation policy: no reference
// creates a fresh conversation; a referenced conversation at its user-message
// quota silently rolls over to a fresh one. The row lock serializes the count
// against concurrent submissions to the same conversation.
func (a *App) resolveConversationForMessage(ctx context.Context, tx pgx.Tx, userID, conversationID string) (conversationRecord, error) {
	if conversationID == "" {
		return a.insertConversation(ctx, tx, userID, "")
	}

	record := conversationRecord{}
	err := tx.QueryRow(
		ctx,
		`SELECT id, "userId", title, "createdAt"
		 FROM "Conversation"
		 WHERE id = $1 AND "userId" = $2
		 FOR UPDATE`,
		conversationID,
		userID,
	).Scan(&record.ID, &record.UserID, &record.Title, &record.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return conversationRecord{}, &exchangeHTTPError{Status: http.StatusNotFound, Detail: "Conversation not found"}
	}
	if err != nil {
		return conversationRecord{}, err
	}

	var userMessageCount int
	if err := tx.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM "Message" WHERE "conversationId" = $1 AND sender = $2`,
		record.ID,
		senderUser,
	).Scan(&userMessageCount); err != nil {
		return conversationRecord{}, err
	}
	if userMessageCount >= maxConversationUserMessages {
		return a.insertConversation(ctx, tx, userID, "")
	}
	return record, nil
}

func (a *App) insertMessage(
	ctx context.Context,
	q dbQuerier,
	conversationID, sender, content string,
	imageURL *string,
) (string, time.Time, error) {
	messageID := uuid.NewString()

	var imageValue any
	if imageURL == nil || strings.TrimSpace(*imageURL) == "" {
		imageValue = nil
	} else {
		imageValue = strings.TrimSpace(*imageURL)
	}

	var createdAt time.Time
	err := q.QueryRow(
		ctx,
		`INSERT INTO "Message" (id, "conversationId", sender, content, "imageUrl", "createdAt")
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 RETURNING "createdAt"`,
		messageID,
		conversationID,
		sender,
		content,
		imageValue,
	).Scan(&createdAt)
	if err != nil {
		return "", time.Time{}, err
	}
	return messageID, createdAt, nil
}

func (a *App) loadConversationMessages(ctx context.Context, conversationID string) ([]gin.H, error) {
	rows, err := a.db.Query(
		ctx,
		`SELECT id, sender, content, "imageUrl", "createdAt"
		 FROM "Message"
		 WHERE "conversationId" = $1
		 ORDER BY "createdAt" ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]gin.H, 0, 16)
	for rows.Next() {
		var (
			messageID, sender, content string
			imageURL                   *string
			createdAt                  time.Time
		)
		if err := rows.Scan(&messageID, &sender, &content, &imageURL, &createdAt); err != nil {
			return nil, err
		}
		items = append(items, messageMap(messageID, conversationID, sender, content, imageURL, createdAt))
	}
	return items, nil
}

func messageMap(id, conversationID, sender, content string, imageURL *string, createdAt time.Time) gin.H {
	return gin.H{
		"id":           id,
		"conversation": conversationID,
		"sender":       sender,
		"content":      content,
		"image_url":    imageURL,
		"created_at":   createdAt.UTC(),
	}
}

func (a *App) writeExchangeError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	var httpErr *exchangeHTTPError
	if errors.As(err, &httpErr) {
		writeError(c, httpErr.Status, httpErr.Detail)
		return
	}
	log.Printf("request failed unclassified err=%v", err)
	writeError(c, http.StatusInternalServerError, "Failed to process request")
}

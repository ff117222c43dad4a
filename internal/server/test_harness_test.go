package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"fastai/backend/internal/config"
	"fastai/backend/internal/db"
)

var (
	testPool              *pgxpool.Pool
	baseTestConfig        config.Config
	integrationDBReady    bool
	integrationSkipReason string
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	baseTestConfig = newTestConfig()

	testDatabaseURL := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if testDatabaseURL == "" {
		integrationSkipReason = "integration tests skipped: TEST_DATABASE_URL is not set"
		fmt.Fprintln(os.Stderr, integrationSkipReason)
		os.Exit(m.Run())
	}
	testDatabaseURL = withSimpleProtocol(testDatabaseURL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := db.Connect(ctx, testDatabaseURL)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "integration test setup failed: cannot connect TEST_DATABASE_URL: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	err = pool.Ping(ctx)
	cancel()
	if err != nil {
		pool.Close()
		fmt.Fprintf(os.Stderr, "integration test setup failed: database ping failed: %v\n", err)
		os.Exit(1)
	}

	if err := verifyRequiredTables(pool); err != nil {
		pool.Close()
		fmt.Fprintf(os.Stderr, "integration test setup failed: %v\n", err)
		os.Exit(1)
	}

	testPool = pool
	integrationDBReady = true

	exitCode := m.Run()
	testPool.Close()
	os.Exit(exitCode)
}

func withSimpleProtocol(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}
	queries := parsed.Query()
	queries.Set("default_query_exec_mode", "simple_protocol")
	parsed.RawQuery = queries.Encode()
	return parsed.String()
}

func newTestConfig() config.Config {
	cfg := config.Config{
		AppEnv:             "test",
		AppName:            "FastAI Assistant API Test",
		APIPrefix:          "/aiassistant",
		AppPort:            "0",
		DatabaseURL:        "test",
		JWTSecret:          "test-secret-1234567890",
		JWTAlgorithm:       "HS256",
		JWTAudience:        "",
		JWTIssuer:          "",
		AuthAutoCreateUser: true,
		CORSAllowOrigins: []string{
			"http://localhost:5173",
			"http://127.0.0.1:5173",
			"http://localhost:3000",
		},
		AIProvider:             "mock",
		WatsonxModelID:         "ibm/granite-3-8b-instruct",
		AIDecodingMethod:       "greedy",
		AITemperature:          0,
		AIMinNewTokens:         5,
		AIMaxNewTokens:         2000,
		AIRepetitionPenalty:    1.2,
		AIStopSequences:        []string{"\n\n"},
		AITimeoutSeconds:       5,
		ResponseStripArtifacts: true,
	}

	if v := strings.TrimSpace(os.Getenv("TEST_JWT_SECRET")); v != "" {
		cfg.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("TEST_JWT_AUDIENCE")); v != "" {
		cfg.JWTAudience = v
	}
	if v := strings.TrimSpace(os.Getenv("TEST_JWT_ISSUER")); v != "" {
		cfg.JWTIssuer = v
	}
	return cfg
}

func verifyRequiredTables(pool *pgxpool.Pool) error {
	required := []string{
		"UserAccount",
		"Conversation",
		"Message",
		"Prompt",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	missing := make([]string, 0)
	for _, table := range required {
		var exists bool
		if err := pool.QueryRow(
			ctx,
			`SELECT EXISTS (
				SELECT 1
				FROM information_schema.tables
				WHERE table_schema = 'public' AND table_name = $1
			)`,
			table,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to validate schema table %q: %w", table, err)
		}
		if !exists {
			missing = append(missing, table)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf(
			"missing required tables: %s. Apply scripts/schema.sql against TEST_DATABASE_URL before running integration tests",
			strings.Join(missing, ", "),
		)
	}
	return nil
}

func requireIntegration(t *testing.T) {
	t.Helper()
	if !integrationDBReady {
		if integrationSkipReason == "" {
			integrationSkipReason = "integration tests skipped: TEST_DATABASE_URL is not configured"
		}
		t.Skip(integrationSkipReason)
	}
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	return newTestRouterWithConfig(t, baseTestConfig)
}

func newTestRouterWithConfig(t *testing.T, cfg config.Config) *gin.Engine {
	t.Helper()
	requireIntegration(t)
	return New(cfg, testPool).Router()
}

func newTestRouterWithAI(t *testing.T, ai TextCompletionClient) *gin.Engine {
	t.Helper()
	requireIntegration(t)
	return NewWithClient(baseTestConfig, testPool, ai).Router()
}

func resetDatabase(t *testing.T) {
	t.Helper()
	requireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := testPool.Exec(
		ctx,
		`TRUNCATE TABLE
			"Prompt",
			"Message",
			"Conversation",
			"UserAccount"
		RESTART IDENTITY CASCADE`,
	)
	if err != nil {
		t.Fatalf("reset database: %v", err)
	}
}

func seedUser(t *testing.T, userID string) string {
	t.Helper()
	requireIntegration(t)
	if strings.TrimSpace(userID) == "" {
		userID = testID()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	name := "user-" + userID[:8]
	_, err := testPool.Exec(
		ctx,
		`INSERT INTO "UserAccount" (id, provider, email, name, "createdAt")
		 VALUES ($1, 'jwt', NULL, $2, NOW())`,
		userID,
		name,
	)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return userID
}

func seedConversation(t *testing.T, userID, title string) string {
	t.Helper()
	requireIntegration(t)
	conversationID := testID()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := testPool.Exec(
		ctx,
		`INSERT INTO "Conversation" (id, "userId", title, "createdAt")
		 VALUES ($1, $2, $3, NOW())`,
		conversationID,
		userID,
		title,
	)
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return conversationID
}

func seedMessage(t *testing.T, conversationID, sender, content string, createdAt time.Time) string {
	t.Helper()
	requireIntegration(t)
	messageID := testID()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := testPool.Exec(
		ctx,
		`INSERT INTO "Message" (id, "conversationId", sender, content, "imageUrl", "createdAt")
		 VALUES ($1, $2, $3, $4, NULL, $5)`,
		messageID,
		conversationID,
		sender,
		content,
		createdAt.UTC(),
	)
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}
	return messageID
}

func countMessages(t *testing.T, conversationID, sender string) int {
	t.Helper()
	requireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `SELECT COUNT(*) FROM "Message" WHERE "conversationId" = $1`
	args := []any{conversationID}
	if sender != "" {
		query += ` AND sender = $2`
		args = append(args, sender)
	}

	var count int
	if err := testPool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}

func countConversations(t *testing.T, userID string) int {
	t.Helper()
	requireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var count int
	if err := testPool.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM "Conversation" WHERE "userId" = $1`,
		userID,
	).Scan(&count); err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	return count
}

func conversationTitle(t *testing.T, conversationID string) string {
	t.Helper()
	requireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var title string
	if err := testPool.QueryRow(
		ctx,
		`SELECT title FROM "Conversation" WHERE id = $1`,
		conversationID,
	).Scan(&title); err != nil {
		t.Fatalf("load conversation title: %v", err)
	}
	return title
}

func signToken(t *testing.T, sub string, overrides map[string]any) string {
	t.Helper()
	return signTokenWithConfig(t, baseTestConfig, sub, overrides)
}

func signTokenWithConfig(t *testing.T, cfg config.Config, sub string, overrides map[string]any) string {
	t.Helper()

	claims := jwt.MapClaims{
		"exp": time.Now().UTC().Add(1 * time.Hour).Unix(),
		"iat": time.Now().UTC().Add(-1 * time.Minute).Unix(),
	}
	if strings.TrimSpace(sub) != "" {
		claims["sub"] = sub
	}
	if strings.TrimSpace(cfg.JWTAudience) != "" {
		claims["aud"] = cfg.JWTAudience
	}
	if strings.TrimSpace(cfg.JWTIssuer) != "" {
		claims["iss"] = cfg.JWTIssuer
	}
	for key, value := range overrides {
		if value == nil {
			delete(claims, key)
			continue
		}
		claims[key] = value
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func performRequest(
	t *testing.T,
	router http.Handler,
	method, targetPath, token string,
	body any,
	headers map[string]string,
) *httptest.ResponseRecorder {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, targetPath, bytes.NewReader(payload))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSONMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response JSON: %v; body=%s", err, rec.Body.String())
	}
	return payload
}

func decodeMapList(t *testing.T, raw any) []map[string]any {
	t.Helper()
	values, ok := raw.([]any)
	if !ok {
		t.Fatalf("expected []any, got %T", raw)
	}
	result := make([]map[string]any, 0, len(values))
	for _, item := range values {
		entry, ok := item.(map[string]any)
		if !ok {
			t.Fatalf("expected map list item, got %T", item)
		}
		result = append(result, entry)
	}
	return result
}

func responseDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeJSONMap(t, rec)
	detail, _ := body["detail"].(string)
	return detail
}

func testID() string {
	return uuid.NewString()
}

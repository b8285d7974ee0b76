//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	testcontainers "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	storepkg "github.com/umeshrajanna/deepship-api/internal/store"
)

var (
	testDB   *sql.DB
	testConn string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tcpostgres.Run(
		ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("deepship"),
		tcpostgres.WithUsername("deepship"),
		tcpostgres.WithPassword("deepship"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "start postgres container:", err)
		os.Exit(1)
	}
	conn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintln(os.Stderr, "connection string:", err)
		os.Exit(1)
	}
	ldb, err := sql.Open("pgx", conn)
	if err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintln(os.Stderr, "open db:", err)
		os.Exit(1)
	}
	if err := waitForDB(ldb); err != nil {
		_ = ldb.Close()
		_ = container.Terminate(ctx)
		fmt.Fprintln(os.Stderr, "ping db:", err)
		os.Exit(1)
	}
	if err := applyMigrations(ctx, ldb); err != nil {
		_ = ldb.Close()
		_ = container.Terminate(ctx)
		fmt.Fprintln(os.Stderr, "apply migrations:", err)
		os.Exit(1)
	}
	testDB = ldb
	testConn = conn
	code := m.Run()
	_ = ldb.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	migrationsDir := filepath.Join(root, "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return err
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		contents, err := os.ReadFile(filepath.Join(migrationsDir, name))
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(contents)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func waitForDB(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var lastErr error
	for i := 0; i < 20; i++ {
		if err := db.PingContext(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func repoRoot() (string, error) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("resolve repo root")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", "..")), nil
}

func cleanDB(t *testing.T) {
	t.Helper()
	_, err := testDB.Exec(`TRUNCATE TABLE reasoning_steps, jobs, messages, conversations CASCADE`)
	require.NoError(t, err)
}

func newTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	cleanDB(t)
	pgStore, err := New(testConn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgStore.Close() })
	return pgStore
}

func TestIntegration_StreamAndFinalize(t *testing.T) {
	ctx := context.Background()
	pg := newTestStore(t)

	convID := uuid.NewString()
	require.NoError(t, pg.CreateConversation(ctx, storepkg.Conversation{ID: convID, UserID: "user-1"}))
	require.NoError(t, pg.AddMessage(ctx, storepkg.Message{ID: uuid.NewString(), ConversationID: convID, Role: storepkg.RoleUser, Content: "What is Go?"}))
	require.NoError(t, pg.CreateJob(ctx, storepkg.Job{ID: "job-1", ConversationID: convID, Mode: "deep_search"}))
	require.NoError(t, pg.AttachJobTask(ctx, "job-1", "job:job-1"))

	assistantID := uuid.NewString()
	require.NoError(t, pg.AddMessage(ctx, storepkg.Message{
		ID:             assistantID,
		ConversationID: convID,
		Role:           storepkg.RoleAssistant,
		Status:         storepkg.MessageStreaming,
		JobID:          "job-1",
		TaskID:         "job:job-1",
	}))
	require.NoError(t, pg.AddReasoningStep(ctx, storepkg.ReasoningStep{ID: uuid.NewString(), MessageID: assistantID, StepNumber: 0, Content: "Analyzing"}))
	require.NoError(t, pg.AppendMessageContent(ctx, assistantID, "Hello "))
	require.NoError(t, pg.AppendMessageContent(ctx, assistantID, "world"))

	require.NoError(t, pg.FinalizeMessage(ctx, storepkg.Finalization{
		Message: storepkg.Message{
			ID:             assistantID,
			ConversationID: convID,
			Content:        "Hello world",
			Status:         storepkg.MessageComplete,
			Sources:        json.RawMessage(`[{"url":"https://go.dev"}]`),
		},
		MessageCountDelta: 2,
		Title:             storepkg.DeriveTitle("What is Go?"),
		JobID:             "job-1",
		JobStatus:         storepkg.JobComplete,
	}))

	messages, err := pg.ListMessages(ctx, convID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "Hello world", messages[1].Content)
	require.Equal(t, storepkg.MessageComplete, messages[1].Status)
	require.Len(t, messages[1].ReasoningSteps, 1)
	require.JSONEq(t, `[{"url":"https://go.dev"}]`, string(messages[1].Sources))

	conv, err := pg.GetConversation(ctx, convID)
	require.NoError(t, err)
	require.EqualValues(t, 2, conv.MessageCount)
	require.Equal(t, "What is Go?", conv.Title)

	job, err := pg.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, storepkg.JobComplete, job.Status)
	require.Equal(t, assistantID, job.MessageID)
	require.NotEmpty(t, job.CompletedAt)
}

func TestIntegration_OneAssistantRowPerJob(t *testing.T) {
	ctx := context.Background()
	pg := newTestStore(t)

	convID := uuid.NewString()
	require.NoError(t, pg.CreateConversation(ctx, storepkg.Conversation{ID: convID}))

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = pg.AddMessage(ctx, storepkg.Message{
				ID:             uuid.NewString(),
				ConversationID: convID,
				Role:           storepkg.RoleAssistant,
				Status:         storepkg.MessageStreaming,
				JobID:          "job-dup",
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	require.Equal(t, 1, succeeded)
}

func TestIntegration_DeleteCascades(t *testing.T) {
	ctx := context.Background()
	pg := newTestStore(t)

	convID := uuid.NewString()
	require.NoError(t, pg.CreateConversation(ctx, storepkg.Conversation{ID: convID}))
	msgID := uuid.NewString()
	require.NoError(t, pg.AddMessage(ctx, storepkg.Message{ID: msgID, ConversationID: convID, Role: storepkg.RoleAssistant}))
	require.NoError(t, pg.AddReasoningStep(ctx, storepkg.ReasoningStep{ID: uuid.NewString(), MessageID: msgID}))
	require.NoError(t, pg.CreateJob(ctx, storepkg.Job{ID: "job-x", ConversationID: convID}))

	require.NoError(t, pg.DeleteConversation(ctx, convID))

	var count int
	require.NoError(t, testDB.QueryRow(`SELECT count(*) FROM reasoning_steps`).Scan(&count))
	require.Zero(t, count)
	job, err := pg.GetJob(ctx, "job-x")
	require.NoError(t, err)
	require.Nil(t, job)
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/umeshrajanna/deepship-api/internal/store"
)

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

var openDB = sql.Open

func New(conn string) (*PostgresStore, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	required := []string{
		"conversations",
		"messages",
		"reasoning_steps",
		"jobs",
	}
	for _, table := range required {
		var regclass sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", fmt.Sprintf("public.%s", table)).Scan(&regclass); err != nil {
			return err
		}
		if !regclass.Valid {
			return fmt.Errorf("database schema missing: %s table not found (run migrations/001_init.sql)", table)
		}
	}
	return nil
}

func (p *PostgresStore) timestamp() time.Time {
	if p.now != nil {
		return p.now().UTC()
	}
	return time.Now().UTC()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) CreateConversation(ctx context.Context, conversation store.Conversation) error {
	title := strings.TrimSpace(conversation.Title)
	if title == "" {
		title = store.DefaultTitle
	}
	createdAt := p.timestamp()
	if conversation.CreatedAt != "" {
		createdAt = parseTimestampValue(conversation.CreatedAt)
	}
	updatedAt := createdAt
	if conversation.UpdatedAt != "" {
		updatedAt = parseTimestampValue(conversation.UpdatedAt)
	}
	const query = `
		INSERT INTO conversations (id, user_id, title, is_anonymous, message_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := p.db.ExecContext(
		ctx,
		query,
		conversation.ID,
		nullString(conversation.UserID),
		title,
		conversation.IsAnonymous,
		conversation.MessageCount,
		createdAt,
		updatedAt,
	)
	return err
}

func (p *PostgresStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	const query = `
		SELECT id, user_id, title, is_anonymous, message_count, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`
	conversation, err := scanConversation(p.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

func (p *PostgresStore) ListConversations(ctx context.Context, userID string) ([]store.Conversation, error) {
	const query = `
		SELECT id, user_id, title, is_anonymous, message_count, created_at, updated_at
		FROM conversations
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY updated_at DESC, id ASC
	`
	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Conversation{}
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = $1", id)
	if err != nil {
		return err
	}
	return requireAffected(result, "conversation", id)
}

func (p *PostgresStore) AddMessage(ctx context.Context, message store.Message) error {
	return insertMessage(ctx, p.db, message, p.timestamp())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMessage(ctx context.Context, db execer, message store.Message, now time.Time) error {
	createdAt := now
	if message.CreatedAt != "" {
		createdAt = parseTimestampValue(message.CreatedAt)
	}
	status := message.Status
	if status == "" {
		status = store.MessageComplete
	}
	const query = `
		INSERT INTO messages (
			id,
			conversation_id,
			role,
			content,
			status,
			has_file,
			file_type,
			sources,
			assets,
			app,
			mode,
			lab_mode,
			job_id,
			task_id,
			error,
			created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := db.ExecContext(
		ctx,
		query,
		message.ID,
		message.ConversationID,
		message.Role,
		message.Content,
		status,
		message.HasFile,
		nullString(message.FileType),
		jsonList(message.Sources),
		jsonList(message.Assets),
		nullString(message.App),
		nullString(message.Mode),
		message.LabMode,
		nullString(message.JobID),
		nullString(message.TaskID),
		nullString(message.Error),
		createdAt,
	)
	return err
}

func (p *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]store.Message, error) {
	const query = `
		SELECT
			id,
			conversation_id,
			role,
			content,
			status,
			has_file,
			COALESCE(file_type, ''),
			sources,
			assets,
			COALESCE(app, ''),
			COALESCE(mode, ''),
			lab_mode,
			COALESCE(job_id, ''),
			COALESCE(task_id, ''),
			COALESCE(error, ''),
			created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := p.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Message{}
	index := map[string]int{}
	for rows.Next() {
		var msg store.Message
		var sources, assets []byte
		var createdAt time.Time
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Role,
			&msg.Content,
			&msg.Status,
			&msg.HasFile,
			&msg.FileType,
			&sources,
			&assets,
			&msg.App,
			&msg.Mode,
			&msg.LabMode,
			&msg.JobID,
			&msg.TaskID,
			&msg.Error,
			&createdAt,
		); err != nil {
			return nil, err
		}
		msg.Sources = decodeRaw(sources)
		msg.Assets = decodeRaw(assets)
		msg.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		index[msg.ID] = len(results)
		results = append(results, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return results, nil
	}

	steps, err := p.listReasoningSteps(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if i, ok := index[step.MessageID]; ok {
			results[i].ReasoningSteps = append(results[i].ReasoningSteps, step)
		}
	}
	return results, nil
}

func (p *PostgresStore) listReasoningSteps(ctx context.Context, conversationID string) ([]store.ReasoningStep, error) {
	const query = `
		SELECT rs.id, rs.message_id, rs.step_number, rs.content, COALESCE(rs.query, ''), COALESCE(rs.category, ''), rs.sources, rs.created_at
		FROM reasoning_steps rs
		JOIN messages m ON m.id = rs.message_id
		WHERE m.conversation_id = $1
		ORDER BY rs.message_id ASC, rs.step_number ASC
	`
	rows, err := p.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.ReasoningStep{}
	for rows.Next() {
		var step store.ReasoningStep
		var sources []byte
		var createdAt time.Time
		if err := rows.Scan(&step.ID, &step.MessageID, &step.StepNumber, &step.Content, &step.Query, &step.Category, &sources, &createdAt); err != nil {
			return nil, err
		}
		step.Sources = decodeRaw(sources)
		step.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		results = append(results, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) AppendMessageContent(ctx context.Context, messageID string, text string) error {
	result, err := p.db.ExecContext(ctx, "UPDATE messages SET content = content || $2 WHERE id = $1", messageID, text)
	if err != nil {
		return err
	}
	return requireAffected(result, "message", messageID)
}

func (p *PostgresStore) MarkMessageFailed(ctx context.Context, messageID string, errMessage string) error {
	result, err := p.db.ExecContext(ctx, "UPDATE messages SET status = $2, error = $3 WHERE id = $1", messageID, store.MessageFailed, nullString(errMessage))
	if err != nil {
		return err
	}
	return requireAffected(result, "message", messageID)
}

func (p *PostgresStore) AddReasoningStep(ctx context.Context, step store.ReasoningStep) error {
	createdAt := p.timestamp()
	if step.CreatedAt != "" {
		createdAt = parseTimestampValue(step.CreatedAt)
	}
	const query = `
		INSERT INTO reasoning_steps (id, message_id, step_number, content, query, category, sources, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := p.db.ExecContext(
		ctx,
		query,
		step.ID,
		step.MessageID,
		step.StepNumber,
		step.Content,
		nullString(step.Query),
		nullString(step.Category),
		jsonList(step.Sources),
		createdAt,
	)
	return err
}

func (p *PostgresStore) FinalizeMessage(ctx context.Context, final store.Finalization) (err error) {
	now := p.timestamp()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	msg := final.Message
	if final.Insert {
		if err = insertMessage(ctx, tx, msg, now); err != nil {
			return err
		}
	} else {
		const updateMessage = `
			UPDATE messages
			SET content = $2, status = $3, sources = $4, assets = $5, app = $6, lab_mode = $7, error = $8
			WHERE id = $1
		`
		var result sql.Result
		result, err = tx.ExecContext(
			ctx,
			updateMessage,
			msg.ID,
			msg.Content,
			msg.Status,
			jsonList(msg.Sources),
			jsonList(msg.Assets),
			nullString(msg.App),
			msg.LabMode,
			nullString(msg.Error),
		)
		if err != nil {
			return err
		}
		if err = requireAffected(result, "message", msg.ID); err != nil {
			return err
		}
	}

	const updateConversation = `
		UPDATE conversations
		SET message_count = message_count + $2,
			updated_at = $3,
			title = CASE WHEN title = $4 AND $5::text <> '' THEN $5::text ELSE title END
		WHERE id = $1
	`
	var result sql.Result
	result, err = tx.ExecContext(ctx, updateConversation, msg.ConversationID, final.MessageCountDelta, now, store.DefaultTitle, final.Title)
	if err != nil {
		return err
	}
	if err = requireAffected(result, "conversation", msg.ConversationID); err != nil {
		return err
	}

	if final.JobID != "" {
		var completedAt any
		if store.TerminalJobStatus(final.JobStatus) {
			completedAt = now
		}
		const updateJob = `
			UPDATE jobs
			SET message_id = $2, status = $3, error = $4, updated_at = $5, completed_at = COALESCE($6, completed_at)
			WHERE id = $1
		`
		result, err = tx.ExecContext(ctx, updateJob, final.JobID, msg.ID, final.JobStatus, nullString(final.JobError), now, completedAt)
		if err != nil {
			return err
		}
		if err = requireAffected(result, "job", final.JobID); err != nil {
			return err
		}
	}

	err = tx.Commit()
	return err
}

func (p *PostgresStore) CreateJob(ctx context.Context, job store.Job) error {
	status := job.Status
	if status == "" {
		status = store.JobPending
	}
	mode := job.Mode
	if mode == "" {
		mode = "chat"
	}
	createdAt := p.timestamp()
	if job.CreatedAt != "" {
		createdAt = parseTimestampValue(job.CreatedAt)
	}
	const query = `
		INSERT INTO jobs (id, conversation_id, message_id, task_id, mode, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`
	_, err := p.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.ConversationID,
		nullString(job.MessageID),
		nullString(job.TaskID),
		mode,
		status,
		nullString(job.Error),
		createdAt,
	)
	return err
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (*store.Job, error) {
	const query = `
		SELECT id, conversation_id, COALESCE(message_id, ''), COALESCE(task_id, ''), mode, status, COALESCE(error, ''), created_at, updated_at, completed_at
		FROM jobs
		WHERE id = $1
	`
	var job store.Job
	var createdAt, updatedAt time.Time
	var completedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&job.ID,
		&job.ConversationID,
		&job.MessageID,
		&job.TaskID,
		&job.Mode,
		&job.Status,
		&job.Error,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	job.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	if completedAt.Valid {
		job.CompletedAt = completedAt.Time.UTC().Format(time.RFC3339Nano)
	}
	return &job, nil
}

func (p *PostgresStore) AttachJobTask(ctx context.Context, jobID string, taskID string) error {
	result, err := p.db.ExecContext(ctx, "UPDATE jobs SET task_id = $2, updated_at = $3 WHERE id = $1", jobID, taskID, p.timestamp())
	if err != nil {
		return err
	}
	return requireAffected(result, "job", jobID)
}

func (p *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status string, errMessage string) error {
	now := p.timestamp()
	var completedAt any
	if store.TerminalJobStatus(status) {
		completedAt = now
	}
	const query = `
		UPDATE jobs
		SET status = $2, error = $3, updated_at = $4, completed_at = COALESCE($5, completed_at)
		WHERE id = $1
	`
	result, err := p.db.ExecContext(ctx, query, jobID, status, nullString(errMessage), now, completedAt)
	if err != nil {
		return err
	}
	return requireAffected(result, "job", jobID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (store.Conversation, error) {
	var conversation store.Conversation
	var userID sql.NullString
	var createdAt, updatedAt time.Time
	if err := row.Scan(
		&conversation.ID,
		&userID,
		&conversation.Title,
		&conversation.IsAnonymous,
		&conversation.MessageCount,
		&createdAt,
		&updatedAt,
	); err != nil {
		return store.Conversation{}, err
	}
	conversation.UserID = userID.String
	conversation.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	conversation.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	return conversation, nil
}

func requireAffected(result sql.Result, kind string, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	return nil
}

func parseTimestampValue(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		return time.Now().UTC()
	}
	return parsed.UTC()
}

func nullString(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}

func jsonList(raw json.RawMessage) []byte {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return []byte("[]")
	}
	return []byte(trimmed)
}

func decodeRaw(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

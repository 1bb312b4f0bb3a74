// Package postgres is the PostgreSQL job repository and ledger store.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/longtext-translator/internal/domain"
	"github.com/cuongbtq/longtext-translator/internal/storage"
	"github.com/cuongbtq/longtext-translator/shared/postgresql"
)

const (
	jobsTable         = "translation_jobs"
	chunksTable       = "translation_chunks"
	accountsTable     = "credit_accounts"
	transactionsTable = "credit_transactions"
	eventsTable       = "job_events"
)

//go:embed migrations/*.sql
var migrations embed.FS

var jobColumns = []string{
	"job_id", "user_id", "kind", "status", "priority",
	"source_language", "target_language", "source_text", "translated_content",
	"total_chunks", "completed_chunks", "failed_chunks", "progress_percentage",
	"estimated_credits", "consumed_credits", "refunded_credits",
	"retry_count", "max_retries", "cancel_requested", "error_message",
	"created_at", "updated_at", "processing_started_at", "processing_completed_at",
}

// listColumns leaves out the text bodies
var listColumns = []string{
	"job_id", "user_id", "kind", "status", "priority",
	"source_language", "target_language",
	"total_chunks", "completed_chunks", "failed_chunks", "progress_percentage",
	"estimated_credits", "consumed_credits", "refunded_credits",
	"retry_count", "max_retries", "cancel_requested", "error_message",
	"created_at", "updated_at", "processing_started_at", "processing_completed_at",
}

var chunkColumns = []string{
	"job_id", "chunk_index", "source_text", "status",
	"translated_text", "attempts", "error_message", "updated_at",
}

var transactionColumns = []string{
	"id", "job_id", "user_id", "attempt", "kind", "amount", "balance_after", "created_at",
}

// Store handles all database operations for jobs, chunks and credits
type Store struct {
	db     *sqlx.DB
	psql   sq.StatementBuilderType
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new Store instance
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		psql:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		logger: logger,
	}
}

// Migrate applies the embedded schema files in name order. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
		s.logger.Info("Migration applied", slog.String("file", name))
	}
	return nil
}

// WithTx runs fn in a database transaction
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		return fn(&pgTx{tx: tx, psql: s.psql})
	})
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.TranslationJob, error) {
	job, err := getJob(ctx, s.db, s.psql, jobID, false)
	if err != nil {
		return nil, err
	}

	job.Chunks, err = getChunks(ctx, s.db, s.psql, jobID)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.TranslationJob, error) {
	builder := s.psql.Select(listColumns...).From(jobsTable)

	if filter.UserID != "" {
		builder = builder.Where(sq.Eq{"user_id": filter.UserID})
	}
	if filter.Kind != "" {
		builder = builder.Where(sq.Eq{"kind": string(filter.Kind)})
	}
	if filter.Status != "" {
		builder = builder.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Cursor != nil {
		builder = builder.Where(sq.Expr("(created_at, job_id) < (?, ?)", filter.Cursor.CreatedAt, filter.Cursor.JobID))
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	builder = builder.OrderBy("created_at DESC", "job_id DESC")

	// Fetch one extra to determine if there are more results
	if filter.PageSize > 0 {
		builder = builder.Limit(uint64(filter.PageSize + 1))
	}

	return selectJobs(ctx, s.db, builder, "list jobs")
}

func (s *Store) ListPendingJobs(ctx context.Context, limit int) ([]domain.TranslationJob, error) {
	builder := s.psql.Select(listColumns...).
		From(jobsTable).
		Where(sq.Eq{"status": string(domain.JobStatusPending)}).
		OrderBy("priority DESC", "created_at ASC", "job_id ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	return selectJobs(ctx, s.db, builder, "list pending jobs")
}

func (s *Store) ListStuckJobs(ctx context.Context, startedBefore time.Time, limit int) ([]domain.TranslationJob, error) {
	builder := s.psql.Select(listColumns...).
		From(jobsTable).
		Where(sq.Eq{"status": string(domain.JobStatusProcessing)}).
		Where(sq.Lt{"processing_started_at": startedBefore}).
		OrderBy("processing_started_at ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	return selectJobs(ctx, s.db, builder, "list stuck jobs")
}

// MarkProcessing claims a pending job using a conditional update
func (s *Store) MarkProcessing(ctx context.Context, jobID string, startedAt time.Time) (*domain.TranslationJob, error) {
	var claimed *domain.TranslationJob

	err := postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		query, args, err := s.psql.Update(jobsTable).
			Set("status", string(domain.JobStatusProcessing)).
			Set("processing_started_at", startedAt).
			Set("updated_at", sq.Expr("NOW()")).
			Where(sq.Eq{
				"job_id":           jobID,
				"status":           string(domain.JobStatusPending),
				"cancel_requested": false,
			}).
			Suffix("RETURNING " + strings.Join(jobColumns, ", ")).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build claim query: %w", err)
		}

		var job domain.TranslationJob
		if err := tx.GetContext(ctx, &job, query, args...); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to claim job: %w", err)
			}
			return claimFailure(ctx, tx, s.psql, jobID)
		}

		event := &storage.Event{
			JobID:  jobID,
			From:   domain.JobStatusPending,
			To:     domain.JobStatusProcessing,
			Reason: "claimed by scheduler",
		}
		if err := appendEvent(ctx, tx, s.psql, event); err != nil {
			return err
		}

		job.Chunks, err = getChunks(ctx, tx, s.psql, jobID)
		if err != nil {
			return err
		}

		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Job claimed", slog.String("job_id", jobID))
	return claimed, nil
}

// claimFailure explains why the conditional claim matched no row
func claimFailure(ctx context.Context, q sqlx.QueryerContext, psql sq.StatementBuilderType, jobID string) error {
	job, err := getJob(ctx, q, psql, jobID, false)
	if err != nil {
		return err
	}
	if err := domain.CheckTransition(job.Status, domain.JobStatusProcessing); err != nil {
		return err
	}
	if job.CancelRequested {
		return domain.ErrCancelRequested
	}
	return fmt.Errorf("%w: job %s was claimed concurrently", domain.ErrInvalidTransition, jobID)
}

// ClaimChunk locks the lowest unresolved chunk, skipping rows another worker holds
func (s *Store) ClaimChunk(ctx context.Context, jobID string) (*domain.Chunk, error) {
	var claimed *domain.Chunk

	err := postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		job, err := getJob(ctx, tx, s.psql, jobID, false)
		if err != nil {
			return err
		}
		if job.Status != domain.JobStatusProcessing {
			return fmt.Errorf("%w: job is %s", domain.ErrInvalidTransition, job.Status)
		}

		query, args, err := s.psql.Select(chunkColumns...).
			From(chunksTable).
			Where(sq.Eq{
				"job_id": jobID,
				"status": []string{string(domain.ChunkStatusPending), string(domain.ChunkStatusProcessing)},
			}).
			OrderBy("chunk_index ASC").
			Limit(1).
			Suffix("FOR UPDATE SKIP LOCKED").
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build chunk query: %w", err)
		}

		var chunk domain.Chunk
		if err := tx.GetContext(ctx, &chunk, query, args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to claim chunk: %w", err)
		}

		update, args, err := s.psql.Update(chunksTable).
			Set("status", string(domain.ChunkStatusProcessing)).
			Set("updated_at", sq.Expr("NOW()")).
			Where(sq.Eq{"job_id": jobID, "chunk_index": chunk.Index}).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build chunk update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, update, args...); err != nil {
			return fmt.Errorf("failed to mark chunk processing: %w", err)
		}

		chunk.Status = domain.ChunkStatusProcessing
		claimed = &chunk
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) UpdateChunk(ctx context.Context, chunk *domain.Chunk) error {
	query, args, err := s.psql.Update(chunksTable).
		SetMap(map[string]interface{}{
			"status":          string(chunk.Status),
			"translated_text": chunk.TranslatedText,
			"attempts":        chunk.Attempts,
			"error_message":   chunk.ErrorMessage,
			"updated_at":      sq.Expr("NOW()"),
		}).
		Where(sq.Eq{"job_id": chunk.JobID, "chunk_index": chunk.Index}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build chunk update: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update chunk: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("chunk %d of job %s not found", chunk.Index, chunk.JobID)
	}
	return nil
}

// UpdateProgress only touches processing jobs so a late write never rewrites a terminal row
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress domain.Progress) error {
	query, args, err := s.psql.Update(jobsTable).
		Set("completed_chunks", progress.Completed).
		Set("failed_chunks", progress.Failed).
		Set("progress_percentage", progress.Percentage()).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"job_id": jobID, "status": string(domain.JobStatusProcessing)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build progress update: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

func (s *Store) RequestCancel(ctx context.Context, jobID string) (domain.JobStatus, error) {
	query, args, err := s.psql.Update(jobsTable).
		Set("cancel_requested", true).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{
			"job_id": jobID,
			"status": []string{string(domain.JobStatusPending), string(domain.JobStatusProcessing)},
		}).
		Suffix("RETURNING status").
		ToSql()
	if err != nil {
		return "", fmt.Errorf("failed to build cancel query: %w", err)
	}

	var status domain.JobStatus
	if err := s.db.GetContext(ctx, &status, query, args...); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("failed to request cancel: %w", err)
		}

		job, err := getJob(ctx, s.db, s.psql, jobID, false)
		if err != nil {
			return "", err
		}
		return job.Status, domain.CheckTransition(job.Status, domain.JobStatusCancelled)
	}

	return status, nil
}

func (s *Store) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	query, args, err := s.psql.Select("cancel_requested").
		From(jobsTable).
		Where(sq.Eq{"job_id": jobID}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build cancel flag query: %w", err)
	}

	var requested bool
	if err := s.db.GetContext(ctx, &requested, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, domain.ErrJobNotFound
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return requested, nil
}

func (s *Store) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	return getAccount(ctx, s.db, s.psql, userID, false)
}

func (s *Store) UpsertAccount(ctx context.Context, account *domain.Account) error {
	query, args, err := s.psql.Insert(accountsTable).
		Columns("user_id", "tier", "balance").
		Values(account.UserID, string(account.Tier), account.Balance).
		Suffix("ON CONFLICT (user_id) DO UPDATE SET tier = EXCLUDED.tier, balance = EXCLUDED.balance, updated_at = NOW()").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build account upsert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, jobID string) ([]domain.CreditTransaction, error) {
	return jobTransactions(ctx, s.db, s.psql, jobID)
}

func (s *Store) ListEvents(ctx context.Context, jobID string) ([]storage.Event, error) {
	query, args, err := s.psql.Select("id", "job_id", "from_status", "to_status", "reason", "created_at").
		From(eventsTable).
		Where(sq.Eq{"job_id": jobID}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build events query: %w", err)
	}

	var events []storage.Event
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list job events: %w", err)
	}
	return events, nil
}

func getJob(ctx context.Context, q sqlx.QueryerContext, psql sq.StatementBuilderType, jobID string, forUpdate bool) (*domain.TranslationJob, error) {
	builder := psql.Select(jobColumns...).From(jobsTable).Where(sq.Eq{"job_id": jobID})
	if forUpdate {
		builder = builder.Suffix("FOR UPDATE")
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build job query: %w", err)
	}

	var job domain.TranslationJob
	if err := sqlx.GetContext(ctx, q, &job, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func getChunks(ctx context.Context, q sqlx.QueryerContext, psql sq.StatementBuilderType, jobID string) ([]domain.Chunk, error) {
	query, args, err := psql.Select(chunkColumns...).
		From(chunksTable).
		Where(sq.Eq{"job_id": jobID}).
		OrderBy("chunk_index ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build chunks query: %w", err)
	}

	var chunks []domain.Chunk
	if err := sqlx.SelectContext(ctx, q, &chunks, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	return chunks, nil
}

func selectJobs(ctx context.Context, q sqlx.QueryerContext, builder sq.SelectBuilder, op string) ([]domain.TranslationJob, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build %s query: %w", op, err)
	}

	var jobs []domain.TranslationJob
	if err := sqlx.SelectContext(ctx, q, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return jobs, nil
}

func getAccount(ctx context.Context, q sqlx.QueryerContext, psql sq.StatementBuilderType, userID string, forUpdate bool) (*domain.Account, error) {
	builder := psql.Select("user_id", "tier", "balance").From(accountsTable).Where(sq.Eq{"user_id": userID})
	if forUpdate {
		builder = builder.Suffix("FOR UPDATE")
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build account query: %w", err)
	}

	var account domain.Account
	if err := sqlx.GetContext(ctx, q, &account, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

func jobTransactions(ctx context.Context, q sqlx.QueryerContext, psql sq.StatementBuilderType, jobID string) ([]domain.CreditTransaction, error) {
	query, args, err := psql.Select(transactionColumns...).
		From(transactionsTable).
		Where(sq.Eq{"job_id": jobID}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build transactions query: %w", err)
	}

	var txns []domain.CreditTransaction
	if err := sqlx.SelectContext(ctx, q, &txns, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list credit transactions: %w", err)
	}
	return txns, nil
}

func appendEvent(ctx context.Context, q sqlx.QueryerContext, psql sq.StatementBuilderType, event *storage.Event) error {
	query, args, err := psql.Insert(eventsTable).
		Columns("job_id", "from_status", "to_status", "reason").
		Values(event.JobID, string(event.From), string(event.To), event.Reason).
		Suffix("RETURNING id, created_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build event insert: %w", err)
	}

	if err := q.QueryRowxContext(ctx, query, args...).Scan(&event.ID, &event.CreatedAt); err != nil {
		return fmt.Errorf("failed to append job event: %w", err)
	}
	return nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/longtext-translator/internal/domain"
	"github.com/cuongbtq/longtext-translator/internal/storage"
)

const uniqueViolation = "23505"

type pgTx struct {
	tx   *sqlx.Tx
	psql sq.StatementBuilderType
}

func (t *pgTx) CreateJob(ctx context.Context, job *domain.TranslationJob) error {
	query, args, err := t.psql.Insert(jobsTable).
		Columns(
			"job_id", "user_id", "kind", "status", "priority",
			"source_language", "target_language", "source_text",
			"total_chunks", "estimated_credits", "max_retries",
			"created_at", "updated_at",
		).
		Values(
			job.ID, job.UserID, string(job.Kind), string(job.Status), job.Priority,
			job.SourceLanguage, job.TargetLanguage, job.SourceText,
			job.TotalChunks, job.EstimatedCredits, job.MaxRetries,
			job.CreatedAt, job.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build job insert: %w", err)
	}

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("failed to create job: job %s already exists", job.ID)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	if len(job.Chunks) == 0 {
		return nil
	}

	indexes := make([]int64, len(job.Chunks))
	texts := make([]string, len(job.Chunks))
	for i, c := range job.Chunks {
		indexes[i] = int64(c.Index)
		texts[i] = c.SourceText
	}

	// One round trip for all chunks
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO translation_chunks (job_id, chunk_index, source_text, status)
		SELECT $1, t.idx, t.txt, $4
		FROM unnest($2::int[], $3::text[]) AS t(idx, txt)
	`, job.ID, pq.Array(indexes), pq.Array(texts), string(domain.ChunkStatusPending))
	if err != nil {
		return fmt.Errorf("failed to create chunks: %w", err)
	}

	return nil
}

func (t *pgTx) GetJobForUpdate(ctx context.Context, jobID string) (*domain.TranslationJob, error) {
	return getJob(ctx, t.tx, t.psql, jobID, true)
}

func (t *pgTx) FinishJob(ctx context.Context, job *domain.TranslationJob) error {
	query, args, err := t.psql.Update(jobsTable).
		SetMap(map[string]interface{}{
			"status":                  string(job.Status),
			"translated_content":      job.TranslatedContent,
			"error_message":           job.ErrorMessage,
			"completed_chunks":        job.CompletedChunks,
			"failed_chunks":           job.FailedChunks,
			"progress_percentage":     job.ProgressPercentage,
			"consumed_credits":        job.ConsumedCredits,
			"refunded_credits":        job.RefundedCredits,
			"processing_completed_at": nullableTime(job.ProcessingCompletedAt),
			"updated_at":              sq.Expr("NOW()"),
		}).
		Where(sq.Eq{"job_id": job.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build job finish: %w", err)
	}

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return nil
}

func (t *pgTx) ResetForRetry(ctx context.Context, jobID string) error {
	chunks, args, err := t.psql.Update(chunksTable).
		Set("status", string(domain.ChunkStatusPending)).
		Set("attempts", 0).
		Set("error_message", "").
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"job_id": jobID}).
		Where(sq.NotEq{"status": string(domain.ChunkStatusSucceeded)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build chunk reset: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, chunks, args...); err != nil {
		return fmt.Errorf("failed to reset chunks: %w", err)
	}

	succeeded := sq.Expr(
		"(SELECT COUNT(*) FROM translation_chunks WHERE job_id = ? AND status = ?)",
		jobID, string(domain.ChunkStatusSucceeded),
	)
	percentage := sq.Expr(
		"CASE WHEN total_chunks > 0 THEN (SELECT COUNT(*) FROM translation_chunks WHERE job_id = ? AND status = ?) * 100.0 / total_chunks ELSE 0 END",
		jobID, string(domain.ChunkStatusSucceeded),
	)

	query, args, err := t.psql.Update(jobsTable).
		Set("status", string(domain.JobStatusPending)).
		Set("retry_count", sq.Expr("retry_count + 1")).
		Set("completed_chunks", succeeded).
		Set("failed_chunks", 0).
		Set("progress_percentage", percentage).
		Set("consumed_credits", 0).
		Set("refunded_credits", 0).
		Set("cancel_requested", false).
		Set("error_message", "").
		Set("translated_content", "").
		Set("processing_started_at", nil).
		Set("processing_completed_at", nil).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"job_id": jobID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build job reset: %w", err)
	}

	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to reset job: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (t *pgTx) GetAccountForUpdate(ctx context.Context, userID string) (*domain.Account, error) {
	return getAccount(ctx, t.tx, t.psql, userID, true)
}

func (t *pgTx) UpdateBalance(ctx context.Context, userID string, balance int64) error {
	query, args, err := t.psql.Update(accountsTable).
		Set("balance", balance).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build balance update: %w", err)
	}

	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) JobTransactions(ctx context.Context, jobID string) ([]domain.CreditTransaction, error) {
	return jobTransactions(ctx, t.tx, t.psql, jobID)
}

func (t *pgTx) AppendTransaction(ctx context.Context, txn *domain.CreditTransaction) error {
	query, args, err := t.psql.Insert(transactionsTable).
		Columns("job_id", "user_id", "attempt", "kind", "amount", "balance_after").
		Values(txn.JobID, txn.UserID, txn.Attempt, string(txn.Kind), txn.Amount, txn.BalanceAfter).
		Suffix("RETURNING id, created_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build transaction insert: %w", err)
	}

	if err := t.tx.QueryRowxContext(ctx, query, args...).Scan(&txn.ID, &txn.CreatedAt); err != nil {
		return fmt.Errorf("failed to append credit transaction: %w", err)
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, event *storage.Event) error {
	return appendEvent(ctx, t.tx, t.psql, event)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// Package ledger reserves credits at submission and settles them when a job ends.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/longtext-translator/internal/domain"
	"github.com/cuongbtq/longtext-translator/internal/storage"
)

// Ledger is the only writer of user balances and job credit fields
type Ledger struct {
	store  storage.Store
	logger *slog.Logger
}

// New creates a ledger on top of store
func New(store storage.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		logger: logger,
	}
}

// Reserve debits amount from the user for the given attempt of a job in its own transaction
func (l *Ledger) Reserve(ctx context.Context, jobID, userID string, attempt int, amount int64) error {
	return l.store.WithTx(ctx, func(tx storage.Tx) error {
		return l.ReserveTx(ctx, tx, jobID, userID, attempt, amount)
	})
}

// ReserveTx reserves inside the caller's transaction. A second call for the same job and attempt is a no-op.
func (l *Ledger) ReserveTx(ctx context.Context, tx storage.Tx, jobID, userID string, attempt int, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("invalid reservation amount %d", amount)
	}

	// Step 1: lock the balance row so concurrent reservations of one user serialise
	account, err := tx.GetAccountForUpdate(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}

	// Step 2: idempotency per job and attempt
	txns, err := tx.JobTransactions(ctx, jobID)
	if err != nil {
		return err
	}
	for _, t := range txns {
		if t.Kind == domain.CreditReserve && t.Attempt == attempt {
			l.logger.Debug("Reservation already recorded",
				slog.String("job_id", jobID),
				slog.Int("attempt", attempt),
			)
			return nil
		}
	}

	// Step 3: check and debit
	if account.Balance < amount {
		return fmt.Errorf("%w: balance %d, required %d", domain.ErrInsufficientCredits, account.Balance, amount)
	}

	balance := account.Balance - amount
	if err := tx.UpdateBalance(ctx, userID, balance); err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}

	err = tx.AppendTransaction(ctx, &domain.CreditTransaction{
		JobID:        jobID,
		UserID:       userID,
		Attempt:      attempt,
		Kind:         domain.CreditReserve,
		Amount:       amount,
		BalanceAfter: balance,
	})
	if err != nil {
		return fmt.Errorf("failed to record reservation: %w", err)
	}

	l.logger.Info("Credits reserved",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
		slog.Int("attempt", attempt),
		slog.Int64("amount", amount),
		slog.Int64("balance", balance),
	)
	return nil
}

// Finalize settles the reservation of the job's current attempt and moves the job to result.Status.
// Both happen in one transaction; on error nothing is written and the job stays non-terminal.
// It returns false without error when the job was already terminal.
func (l *Ledger) Finalize(ctx context.Context, jobID string, result domain.JobResult) (bool, error) {
	var (
		settled  bool
		consumed int64
		refunded int64
	)

	err := l.store.WithTx(ctx, func(tx storage.Tx) error {
		// Step 1: lock the job row
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}

		// Step 2: at most once
		if job.Status.IsTerminal() {
			return nil
		}

		// Step 3: state machine
		if err := domain.CheckTransition(job.Status, result.Status); err != nil {
			return err
		}

		// Step 4: the reservation comes from our own records, not from the caller
		txns, err := tx.JobTransactions(ctx, jobID)
		if err != nil {
			return err
		}
		reserved, err := reservationFor(txns, jobID, job.RetryCount)
		if err != nil {
			return err
		}

		// Step 5: settle
		total := result.TotalChunks
		if total <= 0 {
			total = job.TotalChunks
		}
		consumed = Consumed(reserved, result.Status, result.SucceededChunks, total)
		refunded = reserved - consumed

		// Step 6: ledger rows and balance
		account, err := tx.GetAccountForUpdate(ctx, job.UserID)
		if err != nil {
			return fmt.Errorf("failed to lock account: %w", err)
		}
		balance := account.Balance

		if consumed > 0 {
			err := tx.AppendTransaction(ctx, &domain.CreditTransaction{
				JobID:        jobID,
				UserID:       job.UserID,
				Attempt:      job.RetryCount,
				Kind:         domain.CreditConsume,
				Amount:       consumed,
				BalanceAfter: balance,
			})
			if err != nil {
				return fmt.Errorf("failed to record consumption: %w", err)
			}
		}

		if refunded > 0 {
			balance += refunded
			if err := tx.UpdateBalance(ctx, job.UserID, balance); err != nil {
				return fmt.Errorf("failed to refund balance: %w", err)
			}
			err := tx.AppendTransaction(ctx, &domain.CreditTransaction{
				JobID:        jobID,
				UserID:       job.UserID,
				Attempt:      job.RetryCount,
				Kind:         domain.CreditRefund,
				Amount:       refunded,
				BalanceAfter: balance,
			})
			if err != nil {
				return fmt.Errorf("failed to record refund: %w", err)
			}
		}

		// Step 7: terminal state
		completedAt := result.CompletedAt
		if completedAt.IsZero() {
			completedAt = time.Now()
		}

		from := job.Status
		job.Status = result.Status
		job.CompletedChunks = result.SucceededChunks
		job.FailedChunks = result.FailedChunks
		job.ProgressPercentage = domain.Progress{Completed: result.SucceededChunks, Total: total}.Percentage()
		job.TranslatedContent = result.TranslatedContent
		job.ErrorMessage = result.ErrorMessage
		job.ConsumedCredits = consumed
		job.RefundedCredits = refunded
		job.ProcessingCompletedAt = &completedAt

		if err := tx.FinishJob(ctx, job); err != nil {
			return err
		}

		reason := result.Reason
		if reason == "" {
			reason = result.ErrorMessage
		}
		if err := tx.AppendEvent(ctx, &storage.Event{JobID: jobID, From: from, To: result.Status, Reason: reason}); err != nil {
			return err
		}

		settled = true
		return nil
	})
	if err != nil {
		l.logger.Error("Failed to finalize job",
			slog.String("job_id", jobID),
			slog.String("status", string(result.Status)),
			slog.Any("error", err),
		)
		return false, fmt.Errorf("failed to finalize job %s: %w", jobID, err)
	}

	if !settled {
		l.logger.Debug("Job already terminal, finalize skipped", slog.String("job_id", jobID))
		return false, nil
	}

	l.logger.Info("Job finalized",
		slog.String("job_id", jobID),
		slog.String("status", string(result.Status)),
		slog.Int64("consumed_credits", consumed),
		slog.Int64("refunded_credits", refunded),
	)
	return true, nil
}

// Transactions returns the append-only ledger of a job
func (l *Ledger) Transactions(ctx context.Context, jobID string) ([]domain.CreditTransaction, error) {
	txns, err := l.store.ListTransactions(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txns, nil
}

// Balance returns the user's account
func (l *Ledger) Balance(ctx context.Context, userID string) (*domain.Account, error) {
	return l.store.GetAccount(ctx, userID)
}

// reservationFor returns the reserved amount of an attempt that has not been settled yet
func reservationFor(txns []domain.CreditTransaction, jobID string, attempt int) (int64, error) {
	var (
		reserved int64
		found    bool
	)
	for _, t := range txns {
		if t.Attempt != attempt {
			continue
		}
		switch t.Kind {
		case domain.CreditReserve:
			reserved += t.Amount
			found = true
		case domain.CreditConsume, domain.CreditRefund:
			return 0, fmt.Errorf("reservation of job %s attempt %d already settled", jobID, attempt)
		}
	}
	if !found {
		return 0, fmt.Errorf("%w: job %s attempt %d", domain.ErrNotReserved, jobID, attempt)
	}
	return reserved, nil
}

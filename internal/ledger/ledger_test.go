package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/longtext-translator/internal/domain"
	"github.com/cuongbtq/longtext-translator/internal/storage"
	"github.com/cuongbtq/longtext-translator/internal/storage/memory"
)

const testUser = "user-1"

func newTestLedger(t *testing.T, balance int64) (*Ledger, *memory.Store) {
	t.Helper()

	store := memory.New()
	require.NoError(t, store.UpsertAccount(context.Background(), &domain.Account{
		UserID:  testUser,
		Tier:    domain.UserTierPro,
		Balance: balance,
	}))
	return New(store, nil), store
}

// submitJob creates a pending job and reserves its credits in one transaction
func submitJob(t *testing.T, l *Ledger, store *memory.Store, id string, chunks int, credits int64) error {
	t.Helper()
	ctx := context.Background()

	job := &domain.TranslationJob{
		ID:               id,
		UserID:           testUser,
		Kind:             domain.JobKindText,
		Status:           domain.JobStatusPending,
		TotalChunks:      chunks,
		EstimatedCredits: credits,
		MaxRetries:       2,
		CreatedAt:        time.Now(),
	}
	for i := 0; i < chunks; i++ {
		job.Chunks = append(job.Chunks, domain.Chunk{Index: i, Status: domain.ChunkStatusPending})
	}

	return store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		return l.ReserveTx(ctx, tx, id, testUser, 0, credits)
	})
}

func balanceOf(t *testing.T, store *memory.Store) int64 {
	t.Helper()
	acc, err := store.GetAccount(context.Background(), testUser)
	require.NoError(t, err)
	return acc.Balance
}

func TestCalculateCredits(t *testing.T) {
	pricing := DefaultPricing()

	tests := []struct {
		name  string
		chars int
		tier  domain.UserTier
		want  int64
	}{
		{name: "empty", chars: 0, tier: domain.UserTierPro, want: 0},
		{name: "inside free allowance", chars: 500, tier: domain.UserTierFree, want: 0},
		{name: "one over allowance", chars: 501, tier: domain.UserTierFree, want: 1},
		{name: "free tier rounds up", chars: 601, tier: domain.UserTierFree, want: 2},
		{name: "pro has no allowance", chars: 2400, tier: domain.UserTierPro, want: 24},
		{name: "pro single char", chars: 1, tier: domain.UserTierPro, want: 1},
		{name: "unknown tier has no allowance", chars: 150, tier: "enterprise", want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CalculateCredits(tt.chars, tt.tier, pricing))
		})
	}

	withMinimum := Pricing{CharsPerCredit: 100, MinimumCredits: 5}
	assert.Equal(t, int64(5), CalculateCredits(1, domain.UserTierPro, withMinimum))
	assert.Equal(t, int64(0), CalculateCredits(0, domain.UserTierPro, withMinimum))
}

func TestConsumed(t *testing.T) {
	tests := []struct {
		name      string
		status    domain.JobStatus
		succeeded int
		total     int
		want      int64
	}{
		{name: "completed keeps all", status: domain.JobStatusCompleted, succeeded: 3, total: 3, want: 30},
		{name: "partial prorates", status: domain.JobStatusPartialSuccess, succeeded: 7, total: 10, want: 21},
		{name: "partial floors", status: domain.JobStatusPartialSuccess, succeeded: 2, total: 3, want: 20},
		{name: "failed refunds all", status: domain.JobStatusFailed, succeeded: 2, total: 3, want: 0},
		{name: "cancelled before any chunk", status: domain.JobStatusCancelled, succeeded: 0, total: 3, want: 0},
		{name: "cancelled after one chunk", status: domain.JobStatusCancelled, succeeded: 1, total: 3, want: 10},
		{name: "zero total", status: domain.JobStatusPartialSuccess, succeeded: 1, total: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Consumed(30, tt.status, tt.succeeded, tt.total))
		})
	}
}

func TestLedger_Reserve(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t, 10)

	err := submitJob(t, l, store, "too-big", 3, 11)
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.Equal(t, int64(10), balanceOf(t, store))

	_, err = store.GetJob(ctx, "too-big")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	require.NoError(t, submitJob(t, l, store, "ok", 3, 4))
	assert.Equal(t, int64(6), balanceOf(t, store))

	// Same job and attempt again is a no-op
	require.NoError(t, l.Reserve(ctx, "ok", testUser, 0, 4))
	assert.Equal(t, int64(6), balanceOf(t, store))

	txns, err := l.Transactions(ctx, "ok")
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, domain.CreditReserve, txns[0].Kind)
	assert.Equal(t, int64(6), txns[0].BalanceAfter)
}

func TestLedger_Reserve_ConcurrentSameUser(t *testing.T) {
	l, store := newTestLedger(t, 10)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := submitJob(t, l, store, fmt.Sprintf("job-%d", i), 1, 3); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, int64(1), balanceOf(t, store))
}

func TestLedger_Finalize_Outcomes(t *testing.T) {
	tests := []struct {
		name         string
		status       domain.JobStatus
		total        int
		succeeded    int
		reserved     int64
		wantConsumed int64
		wantRefunded int64
		wantKinds    []domain.CreditTransactionKind
	}{
		{
			name: "completed", status: domain.JobStatusCompleted,
			total: 3, succeeded: 3, reserved: 24,
			wantConsumed: 24, wantRefunded: 0,
			wantKinds: []domain.CreditTransactionKind{domain.CreditReserve, domain.CreditConsume},
		},
		{
			name: "partial success", status: domain.JobStatusPartialSuccess,
			total: 10, succeeded: 7, reserved: 10,
			wantConsumed: 7, wantRefunded: 3,
			wantKinds: []domain.CreditTransactionKind{domain.CreditReserve, domain.CreditConsume, domain.CreditRefund},
		},
		{
			name: "failed", status: domain.JobStatusFailed,
			total: 3, succeeded: 2, reserved: 24,
			wantConsumed: 0, wantRefunded: 24,
			wantKinds: []domain.CreditTransactionKind{domain.CreditReserve, domain.CreditRefund},
		},
		{
			name: "cancelled after one chunk", status: domain.JobStatusCancelled,
			total: 3, succeeded: 1, reserved: 10,
			wantConsumed: 3, wantRefunded: 7,
			wantKinds: []domain.CreditTransactionKind{domain.CreditReserve, domain.CreditConsume, domain.CreditRefund},
		},
		{
			name: "free job", status: domain.JobStatusCompleted,
			total: 1, succeeded: 1, reserved: 0,
			wantConsumed: 0, wantRefunded: 0,
			wantKinds: []domain.CreditTransactionKind{domain.CreditReserve},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			l, store := newTestLedger(t, 100)

			require.NoError(t, submitJob(t, l, store, "job", tt.total, tt.reserved))
			_, err := store.MarkProcessing(ctx, "job", time.Now())
			require.NoError(t, err)

			settled, err := l.Finalize(ctx, "job", domain.JobResult{
				Status:            tt.status,
				TotalChunks:       tt.total,
				SucceededChunks:   tt.succeeded,
				FailedChunks:      tt.total - tt.succeeded,
				TranslatedContent: "done",
			})
			require.NoError(t, err)
			assert.True(t, settled)

			job, err := store.GetJob(ctx, "job")
			require.NoError(t, err)
			assert.Equal(t, tt.status, job.Status)
			assert.Equal(t, tt.wantConsumed, job.ConsumedCredits)
			assert.Equal(t, tt.wantRefunded, job.RefundedCredits)
			assert.Equal(t, job.EstimatedCredits, job.ConsumedCredits+job.RefundedCredits)
			assert.NotNil(t, job.ProcessingCompletedAt)
			assert.Equal(t, 100-tt.wantConsumed, balanceOf(t, store))

			txns, err := l.Transactions(ctx, "job")
			require.NoError(t, err)
			var kinds []domain.CreditTransactionKind
			for _, txn := range txns {
				kinds = append(kinds, txn.Kind)
			}
			assert.Equal(t, tt.wantKinds, kinds)
		})
	}
}

func TestLedger_Finalize_AtMostOnce(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t, 100)

	require.NoError(t, submitJob(t, l, store, "job", 3, 30))
	_, err := store.MarkProcessing(ctx, "job", time.Now())
	require.NoError(t, err)

	result := domain.JobResult{Status: domain.JobStatusFailed, TotalChunks: 3, FailedChunks: 3, ErrorMessage: "boom"}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		settled int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Finalize(ctx, "job", result)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				settled++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, settled)
	assert.Equal(t, int64(100), balanceOf(t, store))

	txns, err := l.Transactions(ctx, "job")
	require.NoError(t, err)
	assert.Len(t, txns, 2)

	// A late completion cannot rewrite a terminal job
	ok, err := l.Finalize(ctx, "job", domain.JobResult{Status: domain.JobStatusCompleted, TotalChunks: 3, SucceededChunks: 3})
	require.NoError(t, err)
	assert.False(t, ok)

	job, err := store.GetJob(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, "boom", job.ErrorMessage)
}

func TestLedger_Finalize_RollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t, 100)

	require.NoError(t, submitJob(t, l, store, "job", 3, 30))
	_, err := store.MarkProcessing(ctx, "job", time.Now())
	require.NoError(t, err)

	store.FailCommits(errors.New("connection reset"))
	_, err = l.Finalize(ctx, "job", domain.JobResult{Status: domain.JobStatusFailed, TotalChunks: 3})
	require.Error(t, err)

	job, err := store.GetJob(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
	assert.Equal(t, int64(70), balanceOf(t, store))

	store.FailCommits(nil)
	ok, err := l.Finalize(ctx, "job", domain.JobResult{Status: domain.JobStatusFailed, TotalChunks: 3})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(100), balanceOf(t, store))
}

func TestLedger_Finalize_Transitions(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t, 100)
	require.NoError(t, submitJob(t, l, store, "job", 2, 20))

	// pending cannot complete without processing
	_, err := l.Finalize(ctx, "job", domain.JobResult{Status: domain.JobStatusCompleted, TotalChunks: 2, SucceededChunks: 2})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	ok, err := l.Finalize(ctx, "job", domain.JobResult{Status: domain.JobStatusCancelled, TotalChunks: 2})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(100), balanceOf(t, store))

	events, err := store.ListEvents(ctx, "job")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.JobStatusPending, events[0].From)
	assert.Equal(t, domain.JobStatusCancelled, events[0].To)
}

func TestLedger_Finalize_NoReservation(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t, 100)

	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.CreateJob(ctx, &domain.TranslationJob{ID: "job", UserID: testUser, Status: domain.JobStatusPending, TotalChunks: 1})
	}))

	_, err := l.Finalize(ctx, "job", domain.JobResult{Status: domain.JobStatusCancelled, TotalChunks: 1})
	assert.ErrorIs(t, err, domain.ErrNotReserved)

	job, err := store.GetJob(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/longtext-translator/internal/domain"
	"github.com/cuongbtq/longtext-translator/internal/ledger"
	"github.com/cuongbtq/longtext-translator/internal/retry"
	"github.com/cuongbtq/longtext-translator/internal/storage"
	"github.com/cuongbtq/longtext-translator/internal/storage/memory"
)

const (
	testUser    = "user-1"
	testBalance = int64(1000)
)

// fakeEngine translates "x" to "<x>" unless told otherwise
type fakeEngine struct {
	mu          sync.Mutex
	calls       map[string]int
	order       []string
	fail        map[string]error
	hook        func(ctx context.Context, text string) error
	delay       time.Duration
	inFlight    int
	maxInFlight int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		calls: make(map[string]int),
		fail:  make(map[string]error),
	}
}

func (f *fakeEngine) Translate(ctx context.Context, text, _, _ string) (string, error) {
	f.mu.Lock()
	f.calls[text]++
	f.order = append(f.order, text)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	hook := f.hook
	failErr := f.fail[text]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if hook != nil {
		if err := hook(ctx, text); err != nil {
			return "", err
		}
	}
	if failErr != nil {
		return "", failErr
	}
	return "<" + text + ">", nil
}

func (f *fakeEngine) callsFor(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[text]
}

func (f *fakeEngine) peakInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func (f *fakeEngine) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

type harness struct {
	store  *memory.Store
	ledger *ledger.Ledger
	engine *fakeEngine
	sched  *Scheduler
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	store := memory.New()
	require.NoError(t, store.UpsertAccount(context.Background(), &domain.Account{
		UserID:  testUser,
		Tier:    domain.UserTierPro,
		Balance: testBalance,
	}))

	engine := newFakeEngine()
	controller := retry.NewController(engine, &retry.Config{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
	})
	l := ledger.New(store, nil)

	return &harness{
		store:  store,
		ledger: l,
		engine: engine,
		sched:  New(store, controller, l, &cfg),
	}
}

func (h *harness) submit(t *testing.T, id string, texts []string, credits int64, priority int) {
	t.Helper()
	ctx := context.Background()

	job := &domain.TranslationJob{
		ID:               id,
		UserID:           testUser,
		Kind:             domain.JobKindText,
		Status:           domain.JobStatusPending,
		Priority:         priority,
		SourceLanguage:   "en",
		TargetLanguage:   "vi",
		SourceText:       strings.Join(texts, " "),
		TotalChunks:      len(texts),
		EstimatedCredits: credits,
		MaxRetries:       2,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	for i, text := range texts {
		job.Chunks = append(job.Chunks, domain.Chunk{Index: i, SourceText: text, Status: domain.ChunkStatusPending})
	}

	require.NoError(t, h.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		return h.ledger.ReserveTx(ctx, tx, id, testUser, 0, credits)
	}))
}

func (h *harness) job(t *testing.T, id string) *domain.TranslationJob {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	acc, err := h.store.GetAccount(context.Background(), testUser)
	require.NoError(t, err)
	return acc.Balance
}

func chunkTexts(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

func permanent() error {
	return &domain.UpstreamError{StatusCode: 400, Transient: false, Message: "unsupported language"}
}

func transient() error {
	return &domain.UpstreamError{StatusCode: 503, Transient: true}
}

func TestProcess_AllChunksSucceed(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(t, "job", chunkTexts("c", 3), 24, 0)

	events := h.sched.Subscribe(16)
	require.NoError(t, h.sched.Process(context.Background(), "job"))

	job := h.job(t, "job")
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 100.0, job.ProgressPercentage)
	assert.Equal(t, 3, job.CompletedChunks)
	assert.Equal(t, "<c0> <c1> <c2>", job.TranslatedContent)
	assert.Equal(t, int64(24), job.ConsumedCredits)
	assert.Equal(t, int64(0), job.RefundedCredits)
	assert.Equal(t, testBalance-24, h.balance(t))
	assert.NotNil(t, job.ProcessingStartedAt)
	assert.NotNil(t, job.ProcessingCompletedAt)
	assert.Equal(t, []string{"c0", "c1", "c2"}, h.engine.callOrder())

	h.sched.Close()
	var got []domain.JobEvent
	for e := range events {
		got = append(got, e)
	}
	require.Len(t, got, 5)
	assert.Equal(t, domain.JobStatusProcessing, got[0].To)
	assert.InDelta(t, 100.0/3, got[1].Snapshot.ProgressPercentage, 0.001)
	assert.Equal(t, domain.JobStatusCompleted, got[4].To)
	assert.Equal(t, "<c0> <c1> <c2>", got[4].Snapshot.TranslatedContent)
}

func TestProcess_TerminalEventWaitsForFullSubscriber(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(t, "job", chunkTexts("c", 3), 24, 0)

	// The processing event fills the buffer, progress events are dropped
	events := h.sched.Subscribe(1)

	terminal := make(chan domain.JobEvent, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		for e := range events {
			if e.To.IsTerminal() {
				terminal <- e
				return
			}
		}
	}()

	require.NoError(t, h.sched.Process(context.Background(), "job"))

	select {
	case e := <-terminal:
		assert.Equal(t, domain.JobStatusCompleted, e.To)
		assert.Equal(t, "<c0> <c1> <c2>", e.Snapshot.TranslatedContent)
	case <-time.After(time.Second):
		t.Fatal("terminal event was not delivered")
	}
}

func TestProcess_TerminalEventGivesUpOnStalledSubscriber(t *testing.T) {
	h := newHarness(t, Config{TerminalEventTimeout: 20 * time.Millisecond})
	h.submit(t, "job", chunkTexts("c", 2), 20, 0)

	events := h.sched.Subscribe(1)

	start := time.Now()
	require.NoError(t, h.sched.Process(context.Background(), "job"))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, domain.JobStatusCompleted, h.job(t, "job").Status)

	e := <-events
	assert.Equal(t, domain.JobStatusProcessing, e.To)
}

func TestProcess_Outcomes(t *testing.T) {
	tests := []struct {
		name         string
		chunks       int
		credits      int64
		fail         map[int]error
		marker       string
		wantStatus   domain.JobStatus
		wantConsumed int64
		wantContent  string
		wantCalls    map[int]int
	}{
		{
			name:         "one of three exhausts retries",
			chunks:       3,
			credits:      30,
			fail:         map[int]error{1: transient()},
			wantStatus:   domain.JobStatusFailed,
			wantConsumed: 0,
			wantCalls:    map[int]int{0: 1, 1: 3, 2: 1},
		},
		{
			name:         "seven of ten meets threshold",
			chunks:       10,
			credits:      25,
			fail:         map[int]error{2: transient(), 5: permanent(), 9: transient()},
			wantStatus:   domain.JobStatusPartialSuccess,
			wantConsumed: 17,
			wantContent:  "<c0> <c1> <c3> <c4> <c6> <c7> <c8>",
			wantCalls:    map[int]int{2: 3, 5: 1, 9: 3},
		},
		{
			name:         "failed positions marked",
			chunks:       4,
			credits:      40,
			fail:         map[int]error{1: transient()},
			marker:       "[?]",
			wantStatus:   domain.JobStatusPartialSuccess,
			wantConsumed: 30,
			wantContent:  "<c0> [?] <c2> <c3>",
		},
		{
			name:         "non retryable first chunk aborts",
			chunks:       3,
			credits:      30,
			fail:         map[int]error{0: permanent()},
			wantStatus:   domain.JobStatusFailed,
			wantConsumed: 0,
			wantCalls:    map[int]int{0: 1, 1: 0, 2: 0},
		},
		{
			name:         "non retryable after a success keeps going",
			chunks:       4,
			credits:      40,
			fail:         map[int]error{1: permanent()},
			wantStatus:   domain.JobStatusPartialSuccess,
			wantConsumed: 30,
			wantContent:  "<c0> <c2> <c3>",
			wantCalls:    map[int]int{0: 1, 1: 1, 2: 1, 3: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{FailedChunkMarker: tt.marker})
			texts := chunkTexts("c", tt.chunks)
			for idx, err := range tt.fail {
				h.engine.fail[texts[idx]] = err
			}
			h.submit(t, "job", texts, tt.credits, 0)

			require.NoError(t, h.sched.Process(context.Background(), "job"))

			job := h.job(t, "job")
			assert.Equal(t, tt.wantStatus, job.Status)
			assert.Equal(t, tt.wantConsumed, job.ConsumedCredits)
			assert.Equal(t, tt.credits, job.ConsumedCredits+job.RefundedCredits)
			assert.Equal(t, testBalance-tt.wantConsumed, h.balance(t))
			assert.Equal(t, tt.wantContent, job.TranslatedContent)
			if tt.wantStatus == domain.JobStatusFailed {
				assert.NotEmpty(t, job.ErrorMessage)
			}
			for idx, want := range tt.wantCalls {
				assert.Equal(t, want, h.engine.callsFor(texts[idx]), "calls for chunk %d", idx)
			}
		})
	}
}

func TestProcess_ChunkErrorsPersisted(t *testing.T) {
	h := newHarness(t, Config{})
	texts := chunkTexts("c", 4)
	h.engine.fail[texts[2]] = transient()
	h.submit(t, "job", texts, 40, 0)

	require.NoError(t, h.sched.Process(context.Background(), "job"))

	job := h.job(t, "job")
	assert.Equal(t, domain.ChunkStatusFailed, job.Chunks[2].Status)
	assert.Equal(t, 3, job.Chunks[2].Attempts)
	assert.Contains(t, job.Chunks[2].ErrorMessage, "503")
	assert.Equal(t, domain.ChunkStatusSucceeded, job.Chunks[3].Status)
	assert.Equal(t, 1, job.FailedChunks)
}

func TestProcess_ChunkConcurrencyBound(t *testing.T) {
	h := newHarness(t, Config{ChunkConcurrency: 2})
	h.engine.delay = 10 * time.Millisecond
	h.submit(t, "job", chunkTexts("c", 6), 60, 0)

	require.NoError(t, h.sched.Process(context.Background(), "job"))

	job := h.job(t, "job")
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, "<c0> <c1> <c2> <c3> <c4> <c5>", job.TranslatedContent)
	assert.LessOrEqual(t, h.engine.peakInFlight(), 2)
}

func TestProcess_InterChunkDelay(t *testing.T) {
	h := newHarness(t, Config{InterChunkDelay: 20 * time.Millisecond})
	h.submit(t, "job", chunkTexts("c", 3), 30, 0)

	start := time.Now()
	require.NoError(t, h.sched.Process(context.Background(), "job"))

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, domain.JobStatusCompleted, h.job(t, "job").Status)
}

type failingFinalizer struct {
	calls int
}

func (f *failingFinalizer) Finalize(context.Context, string, domain.JobResult) (bool, error) {
	f.calls++
	return false, errors.New("ledger unavailable")
}

func TestProcess_FinalizeFailureLeavesJobProcessing(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(t, "job", chunkTexts("c", 2), 20, 0)

	finalizer := &failingFinalizer{}
	h.sched.finalizer = finalizer

	err := h.sched.Process(context.Background(), "job")
	require.Error(t, err)
	assert.Equal(t, 1, finalizer.calls)

	job := h.job(t, "job")
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
	assert.Equal(t, testBalance-20, h.balance(t))
}

func TestProcess_AlreadyTerminalIsSkipped(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(t, "job", chunkTexts("c", 1), 10, 0)

	require.NoError(t, h.sched.Process(context.Background(), "job"))
	require.NoError(t, h.sched.Process(context.Background(), "job"))

	assert.Equal(t, 1, h.engine.callsFor("c0"))
	assert.Equal(t, testBalance-10, h.balance(t))
}

func TestCancel_Pending(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(t, "job", chunkTexts("c", 3), 30, 0)
	h.sched.Enqueue("job", 0)
	require.Equal(t, 1, h.sched.QueueLen())

	ok, err := h.sched.Cancel(context.Background(), "job")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, h.sched.QueueLen())

	job := h.job(t, "job")
	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	assert.Equal(t, int64(30), job.RefundedCredits)
	assert.Equal(t, testBalance, h.balance(t))

	_, err = h.sched.Cancel(context.Background(), "job")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.sched.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestCancel_Processing(t *testing.T) {
	h := newHarness(t, Config{})
	texts := chunkTexts("c", 3)
	h.submit(t, "job", texts, 30, 0)

	started := make(chan struct{})
	h.engine.hook = func(ctx context.Context, text string) error {
		if text != "c1" {
			return nil
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	done := make(chan error, 1)
	go func() { done <- h.sched.Process(context.Background(), "job") }()

	<-started
	ok, err := h.sched.Cancel(context.Background(), "job")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, <-done)

	job := h.job(t, "job")
	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	assert.Equal(t, "<c0>", job.TranslatedContent)
	assert.Equal(t, int64(10), job.ConsumedCredits)
	assert.Equal(t, int64(20), job.RefundedCredits)
	assert.Equal(t, testBalance-10, h.balance(t))
	assert.Equal(t, 0, h.engine.callsFor("c2"))
	assert.Equal(t, domain.ChunkStatusPending, job.Chunks[1].Status)
}

func TestCancel_FlagFromAnotherProcess(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(t, "job", chunkTexts("c", 3), 30, 0)

	// The API process only flips the flag in the repository
	h.engine.hook = func(ctx context.Context, text string) error {
		if text == "c0" {
			_, err := h.store.RequestCancel(ctx, "job")
			return err
		}
		return nil
	}

	require.NoError(t, h.sched.Process(context.Background(), "job"))

	job := h.job(t, "job")
	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	assert.Equal(t, 0, h.engine.callsFor("c1"))
	assert.Equal(t, job.EstimatedCredits, job.ConsumedCredits+job.RefundedCredits)
}

func TestCancel_ProcessingKeepsPartialSuccess(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(t, "job", chunkTexts("c", 10), 100, 0)

	h.engine.hook = func(ctx context.Context, text string) error {
		if text == "c7" {
			_, err := h.store.RequestCancel(ctx, "job")
			return err
		}
		return nil
	}

	require.NoError(t, h.sched.Process(context.Background(), "job"))

	job := h.job(t, "job")
	assert.Equal(t, domain.JobStatusPartialSuccess, job.Status)
	assert.Equal(t, 8, job.CompletedChunks)
	assert.Equal(t, int64(80), job.ConsumedCredits)
	assert.Equal(t, int64(20), job.RefundedCredits)
}

func TestProcess_CancelRequestedBeforeClaim(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(t, "job", chunkTexts("c", 2), 20, 0)

	_, err := h.store.RequestCancel(context.Background(), "job")
	require.NoError(t, err)

	require.NoError(t, h.sched.Process(context.Background(), "job"))

	job := h.job(t, "job")
	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	assert.Equal(t, 0, h.engine.callsFor("c0"))
	assert.Equal(t, testBalance, h.balance(t))
}

func TestRun_PriorityOrderAndReload(t *testing.T) {
	h := newHarness(t, Config{MaxActiveJobs: 1})

	// Already in the repository before the scheduler starts
	h.submit(t, "low", []string{"low"}, 1, 0)
	h.submit(t, "high", []string{"high"}, 1, 10)
	h.submit(t, "mid", []string{"mid"}, 1, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- h.sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range []string{"low", "high", "mid"} {
			job, err := h.store.GetJob(context.Background(), id)
			if err != nil || !job.Status.IsTerminal() {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"high", "mid", "low"}, h.engine.callOrder())

	// Jobs submitted while running are picked up too
	h.submit(t, "late", []string{"late"}, 1, 0)
	h.sched.Enqueue("late", 0)
	require.Eventually(t, func() bool {
		job, err := h.store.GetJob(context.Background(), "late")
		return err == nil && job.Status == domain.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRun_MaxActiveJobs(t *testing.T) {
	h := newHarness(t, Config{MaxActiveJobs: 2})
	h.engine.delay = 20 * time.Millisecond

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("job-%d", i)
		h.submit(t, id, []string{id}, 1, 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		jobs, err := h.store.ListJobs(context.Background(), storage.JobFilter{Status: domain.JobStatusCompleted})
		return err == nil && len(jobs) == 4
	}, 2*time.Second, 5*time.Millisecond)

	assert.LessOrEqual(t, h.engine.peakInFlight(), 2)
}

func TestEnqueue_Deduplicates(t *testing.T) {
	h := newHarness(t, Config{})
	h.sched.Enqueue("a", 0)
	h.sched.Enqueue("a", 5)
	h.sched.Enqueue("b", 0)

	assert.Equal(t, 2, h.sched.QueueLen())
}

func TestStatus(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(t, "job", chunkTexts("c", 2), 20, 0)

	snap, err := h.sched.Status(context.Background(), "job")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, snap.Status)
	assert.Empty(t, snap.TranslatedContent)

	require.NoError(t, h.sched.Process(context.Background(), "job"))

	snap, err = h.sched.Status(context.Background(), "job")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, snap.Status)
	assert.Equal(t, "<c0> <c1>", snap.TranslatedContent)

	_, err = h.sched.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestRun_SkipReload(t *testing.T) {
	h := newHarness(t, Config{SkipReload: true})
	h.submit(t, "waiting", []string{"hello"}, 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- h.sched.Run(ctx) }()

	// Only what is enqueued explicitly runs
	h.submit(t, "sent", []string{"world"}, 1, 0)
	h.sched.Enqueue("sent", 0)
	require.Eventually(t, func() bool {
		job, err := h.store.GetJob(context.Background(), "sent")
		return err == nil && job.Status == domain.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-runDone)

	job, err := h.store.GetJob(context.Background(), "waiting")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, 0, h.engine.callsFor("hello"))
}

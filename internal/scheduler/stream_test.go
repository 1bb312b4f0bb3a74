package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/longtext-translator/internal/domain"
)

// drive steps a job until it reports done and returns how many steps it took
func drive(t *testing.T, s *Scheduler, jobID string) int {
	t.Helper()
	for steps := 1; steps <= 100; steps++ {
		done, err := s.StepChunk(context.Background(), jobID)
		require.NoError(t, err)
		if done {
			return steps
		}
	}
	t.Fatal("job did not finish within 100 steps")
	return 0
}

func TestStepChunk_OneChunkPerStep(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(t, "job", chunkTexts("c", 3), 30, 0)

	done, err := h.sched.StepChunk(context.Background(), "job")
	require.NoError(t, err)
	assert.False(t, done)

	job := h.job(t, "job")
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
	assert.Equal(t, 1, job.CompletedChunks)
	assert.Equal(t, []string{"c0"}, h.engine.callOrder())

	assert.Equal(t, 2, drive(t, h.sched, "job"))

	job = h.job(t, "job")
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, "<c0> <c1> <c2>", job.TranslatedContent)
	assert.Equal(t, int64(30), job.ConsumedCredits)

	// Further steps on a terminal job are no-ops
	done, err = h.sched.StepChunk(context.Background(), "job")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Len(t, h.engine.callOrder(), 3)
}

func TestStepChunk_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		fail       map[int]error
		wantStatus domain.JobStatus
		wantSteps  int
		wantCalls  int
	}{
		{
			name:       "non retryable first chunk aborts",
			fail:       map[int]error{0: permanent()},
			wantStatus: domain.JobStatusFailed,
			wantSteps:  1,
			wantCalls:  1,
		},
		{
			name:       "transient failure below threshold",
			fail:       map[int]error{1: transient(), 2: transient()},
			wantStatus: domain.JobStatusFailed,
			wantSteps:  4,
			wantCalls:  1 + 3 + 3 + 1,
		},
		{
			name:       "partial success",
			fail:       map[int]error{3: permanent()},
			wantStatus: domain.JobStatusPartialSuccess,
			wantSteps:  4,
			wantCalls:  4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			texts := chunkTexts("c", 4)
			for idx, err := range tt.fail {
				h.engine.fail[texts[idx]] = err
			}
			h.submit(t, "job", texts, 40, 0)

			assert.Equal(t, tt.wantSteps, drive(t, h.sched, "job"))

			job := h.job(t, "job")
			assert.Equal(t, tt.wantStatus, job.Status)
			assert.Len(t, h.engine.callOrder(), tt.wantCalls)
			assert.Equal(t, int64(40), job.ConsumedCredits+job.RefundedCredits)
		})
	}
}

func TestStepChunk_CancelBetweenSteps(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(t, "job", chunkTexts("c", 3), 30, 0)

	done, err := h.sched.StepChunk(context.Background(), "job")
	require.NoError(t, err)
	require.False(t, done)

	_, err = h.store.RequestCancel(context.Background(), "job")
	require.NoError(t, err)

	done, err = h.sched.StepChunk(context.Background(), "job")
	require.NoError(t, err)
	assert.True(t, done)

	job := h.job(t, "job")
	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	assert.Equal(t, "<c0>", job.TranslatedContent)
	assert.Equal(t, int64(10), job.ConsumedCredits)
	assert.Equal(t, int64(20), job.RefundedCredits)
	assert.Len(t, h.engine.callOrder(), 1)
}

func TestStepChunk_CancelledBeforeFirstStep(t *testing.T) {
	h := newHarness(t, Config{})
	h.submit(t, "job", chunkTexts("c", 2), 20, 0)

	_, err := h.store.RequestCancel(context.Background(), "job")
	require.NoError(t, err)

	done, err := h.sched.StepChunk(context.Background(), "job")
	require.NoError(t, err)
	assert.True(t, done)

	assert.Equal(t, domain.JobStatusCancelled, h.job(t, "job").Status)
	assert.Equal(t, testBalance, h.balance(t))
	assert.Empty(t, h.engine.callOrder())
}

func TestStepChunk_UnknownJob(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.sched.StepChunk(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

package tracker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/plugflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTracker_QueryUnknownExecution(t *testing.T) {
	tr := New(Config{}, zaptest.NewLogger(t))

	_, err := tr.Query("missing")
	assert.ErrorIs(t, err, domain.ErrExecutionNotFound)
}

func TestTracker_PercentAndCurrentSteps(t *testing.T) {
	tr := New(Config{}, zaptest.NewLogger(t))
	tr.Begin("exec-1", "wf", []string{"a", "b", "c", "d"})
	tr.SetStatus("exec-1", domain.ExecutionStatusRunning)

	tr.Report("exec-1", "a", domain.StepStatusRunning, 0)
	tr.Report("exec-1", "b", domain.StepStatusRunning, 0.5)

	snap, err := tr.Query("exec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusRunning, snap.Status)
	assert.Equal(t, []string{"a", "b"}, snap.CurrentSteps)
	assert.Equal(t, 0.0, snap.PercentComplete)
	assert.Equal(t, 0.5, snap.StepProgress["b"])

	tr.Report("exec-1", "a", domain.StepStatusSucceeded, 1)
	tr.Report("exec-1", "b", domain.StepStatusFailed, 1)
	tr.Report("exec-1", "c", domain.StepStatusSkipped, 0)

	snap, err = tr.Query("exec-1")
	require.NoError(t, err)
	assert.Empty(t, snap.CurrentSteps)
	assert.Equal(t, 75.0, snap.PercentComplete)
	assert.Equal(t, 1.0, snap.StepProgress["c"])
	assert.Equal(t, domain.StepStatusPending, snap.Steps["d"])
}

func TestTracker_IgnoresUntrackedReports(t *testing.T) {
	tr := New(Config{}, zaptest.NewLogger(t))
	tr.Report("nobody", "a", domain.StepStatusRunning, 0)

	tr.Begin("exec-1", "wf", []string{"a"})
	tr.Report("exec-1", "undo-a", domain.StepStatusSucceeded, 1)

	snap, err := tr.Query("exec-1")
	require.NoError(t, err)
	assert.Len(t, snap.Steps, 1)
	assert.Equal(t, 0.0, snap.PercentComplete)
}

func TestTracker_ConcurrentReports(t *testing.T) {
	tr := New(Config{}, zaptest.NewLogger(t))

	ids := make([]string, 100)
	for i := range ids {
		ids[i] = fmt.Sprintf("s%03d", i)
	}
	tr.Begin("exec-1", "wf", ids)

	sub := tr.Subscribe("exec-1", 1)
	defer sub.Close()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			tr.Report("exec-1", id, domain.StepStatusRunning, 0)
			_, _ = tr.Query("exec-1")
			tr.Report("exec-1", id, domain.StepStatusSucceeded, 1)
		}(id)
	}
	wg.Wait()

	snap, err := tr.Query("exec-1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.PercentComplete)
	assert.Greater(t, sub.Dropped(), int64(0), "a one-slot subscriber must drop rather than block")
}

func TestTracker_SubscriptionFiltersAndCloses(t *testing.T) {
	tr := New(Config{}, zaptest.NewLogger(t))
	mine := tr.Subscribe("exec-1", 10)
	all := tr.Subscribe("", 10)

	tr.Begin("exec-1", "wf", []string{"a"})
	tr.Begin("exec-2", "wf", []string{"a"})
	tr.Report("exec-1", "a", domain.StepStatusRunning, 0)

	got := drain(mine)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[1].StepID)
	assert.Equal(t, domain.StepStatusRunning, got[1].StepStatus)
	assert.Equal(t, []string{"a"}, got[1].Snapshot.CurrentSteps)

	assert.Len(t, drain(all), 3)

	mine.Close()
	mine.Close()
	_, open := <-mine.C()
	assert.False(t, open)

	tr.Report("exec-1", "a", domain.StepStatusSucceeded, 1)
	assert.Len(t, drain(all), 1)

	tr.Stop()
	_, open = <-all.C()
	assert.False(t, open)
}

func TestTracker_RetentionPrunesFinishedExecutions(t *testing.T) {
	tr := New(Config{Retention: time.Minute}, zaptest.NewLogger(t))
	tr.Begin("done", "wf", []string{"a"})
	tr.Begin("live", "wf", []string{"a"})
	tr.SetStatus("done", domain.ExecutionStatusCompleted)
	tr.SetStatus("live", domain.ExecutionStatusRunning)

	assert.Equal(t, 1, tr.Active())
	assert.Equal(t, 0, tr.Prune(time.Now()))
	assert.Equal(t, 1, tr.Prune(time.Now().Add(2*time.Minute)))

	_, err := tr.Query("done")
	assert.ErrorIs(t, err, domain.ErrExecutionNotFound)
	_, err = tr.Query("live")
	assert.NoError(t, err)
}

func TestTracker_JanitorLoop(t *testing.T) {
	tr := New(Config{Retention: time.Millisecond, SweepInterval: 5 * time.Millisecond}, zaptest.NewLogger(t))
	tr.Begin("done", "wf", []string{"a"})
	tr.SetStatus("done", domain.ExecutionStatusFailed)

	tr.Start()
	tr.Start()
	defer tr.Stop()

	assert.Eventually(t, func() bool {
		_, err := tr.Query("done")
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func drain(s *Subscription) []Update {
	var out []Update
	for {
		select {
		case u, ok := <-s.C():
			if !ok {
				return out
			}
			out = append(out, u)
		default:
			return out
		}
	}
}

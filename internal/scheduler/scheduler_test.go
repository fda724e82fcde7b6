package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percolationlabs/percolate/internal/config"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/pkg/models"
)

func testScheduler(t *testing.T) (*Scheduler, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return New(st, config.SchedulerConfig{ReloadInterval: time.Minute, Workers: 2}), st
}

func TestHeartbeatUpdatesScheduleSpec(t *testing.T) {
	_, st := testScheduler(t)

	sched := models.Schedule{
		ID:   uuid.New(),
		Name: "liveness",
		Spec: map[string]any{"task_type": TaskHeartbeat},
		Cron: "* * * * *",
	}
	require.NoError(t, st.UpsertSchedule(t.Context(), &sched))

	h := heartbeatHandler(st, "1.2.3")
	require.NoError(t, h(t.Context(), sched))

	got, err := st.GetSchedule(t.Context(), sched.ID)
	require.NoError(t, err)
	info, ok := got.Spec["pod_info"].(map[string]any)
	require.True(t, ok, "pod_info written into the schedule spec")
	assert.NotEmpty(t, info["hostname"])
	assert.Equal(t, "1.2.3", info["version"])
	assert.NotEmpty(t, info["seen_at"])

	// the task selector survives the update
	assert.Equal(t, TaskHeartbeat, got.TaskType())
}

func TestHeartbeatHandlesNilSpec(t *testing.T) {
	_, st := testScheduler(t)

	sched := models.Schedule{ID: uuid.New(), Name: "bare", Cron: "* * * * *"}
	require.NoError(t, st.UpsertSchedule(t.Context(), &sched))

	h := heartbeatHandler(st, "dev")
	require.NoError(t, h(t.Context(), sched))

	got, err := st.GetSchedule(t.Context(), sched.ID)
	require.NoError(t, err)
	_, ok := got.Spec["pod_info"].(map[string]any)
	assert.True(t, ok)
}

func TestExhaustedTaskLeavesAuditRow(t *testing.T) {
	s, st := testScheduler(t)
	s.RegisterHandler("doomed", func(ctx context.Context, sched models.Schedule) error {
		return fmt.Errorf("upstream gone")
	})

	owner := models.UserIDForEmail("owner@example.com")
	sched := models.Schedule{
		ID:     uuid.New(),
		UserID: &owner,
		Name:   "doomed-task",
		Spec:   map[string]any{"task_type": "doomed"},
		Cron:   "* * * * *",
	}

	s.dispatch(t.Context(), sched)

	sysCtx := store.WithUserContext(t.Context(), store.UserContext{RoleLevel: models.RoleLevelAdmin})
	rows, err := st.ListAIResponses(sysCtx, store.AuditFilter{SessionID: "schedule:" + sched.ID.String()})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "error", rows[0].Status)
	assert.Contains(t, rows[0].Content, "doomed-task")
	assert.Contains(t, rows[0].Content, "upstream gone")
}

func TestRetryBackoffDoubles(t *testing.T) {
	assert.Equal(t, 30*time.Second, retryBackoff(1))
	assert.Equal(t, time.Minute, retryBackoff(2))
	assert.Equal(t, 2*time.Minute, retryBackoff(3))
	assert.Equal(t, 4*time.Minute, retryBackoff(4))
}

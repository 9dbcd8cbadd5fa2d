package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotplane/spotplane/pkg/models"
)

func enqueue(t *testing.T, st *Store, agentID, requestID string, priority int) *models.Command {
	t.Helper()
	cmd, created, err := st.Commands.Enqueue(context.Background(), &models.Command{
		AgentID:   agentID,
		RequestID: requestID,
		Type:      models.CommandSwitch,
		Trigger:   models.TriggerManual,
		Priority:  priority,
	})
	require.NoError(t, err)
	require.True(t, created)
	return cmd
}

func TestEnqueue_RequestIDIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	client := seedClient(t, st)
	agent := seedAgent(t, st, client.ID)

	first := enqueue(t, st, agent.ID, "req-1", 0)
	assert.Equal(t, models.CommandPending, first.Status)

	// Same request id while the first is still open: the prior row
	// comes back untouched.
	replay, created, err := st.Commands.Enqueue(ctx, &models.Command{
		AgentID:   agent.ID,
		RequestID: "req-1",
		Type:      models.CommandSwitch,
		Trigger:   models.TriggerManual,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, replay.ID)

	// Same request id after the command completed: still a replay of
	// the terminal row, never a second execution.
	_, err = st.Commands.MarkExecuted(ctx, first.ID, true, "done", nil)
	require.NoError(t, err)

	replay, created, err = st.Commands.Enqueue(ctx, &models.Command{
		AgentID:   agent.ID,
		RequestID: "req-1",
		Type:      models.CommandSwitch,
		Trigger:   models.TriggerManual,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, models.CommandCompleted, replay.Status)
}

func TestEnqueue_Validation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	client := seedClient(t, st)
	agent := seedAgent(t, st, client.ID)

	_, _, err := st.Commands.Enqueue(ctx, &models.Command{
		AgentID: agent.ID, Type: models.CommandSwitch, Trigger: models.TriggerManual,
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = st.Commands.Enqueue(ctx, &models.Command{
		AgentID: agent.ID, RequestID: "req-bad-type", Type: "reboot", Trigger: models.TriggerManual,
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = st.Commands.Enqueue(ctx, &models.Command{
		AgentID: agent.ID, RequestID: "req-bad-prio",
		Type: models.CommandSwitch, Trigger: models.TriggerManual, Priority: 101,
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestTakeForAgent_PriorityThenFIFO(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	client := seedClient(t, st)
	agent := seedAgent(t, st, client.ID)

	low := enqueue(t, st, agent.ID, "req-low", 0)
	urgent := enqueue(t, st, agent.ID, "req-urgent", 100)
	mid := enqueue(t, st, agent.ID, "req-mid", 50)
	lowLater := enqueue(t, st, agent.ID, "req-low-2", 0)

	out, err := st.Commands.TakeForAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, urgent.ID, out[0].ID)
	assert.Equal(t, mid.ID, out[1].ID)
	assert.Equal(t, low.ID, out[2].ID)
	assert.Equal(t, lowLater.ID, out[3].ID)

	for _, c := range out {
		assert.Equal(t, models.CommandExecuting, c.Status)
		assert.NotNil(t, c.ExecutedAt)
	}

	// A crashed agent polling again sees the same rows in the same
	// order.
	again, err := st.Commands.TakeForAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, again, 4)
	for i := range out {
		assert.Equal(t, out[i].ID, again[i].ID)
	}
}

func TestMarkExecuted_TerminalRowsStayTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	client := seedClient(t, st)
	agent := seedAgent(t, st, client.ID)

	cmd := enqueue(t, st, agent.ID, "req-exec", 0)

	done, err := st.Commands.MarkExecuted(ctx, cmd.ID, false, "agent refused", nil)
	require.NoError(t, err)
	assert.Equal(t, models.CommandFailed, done.Status)
	require.NotNil(t, done.ResultMessage)
	assert.Equal(t, "agent refused", *done.ResultMessage)

	_, err = st.Commands.MarkExecuted(ctx, cmd.ID, true, "retry", nil)
	assert.ErrorIs(t, err, ErrCommandTerminal)
}

func TestCancel_OnlyPendingCommands(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	client := seedClient(t, st)
	agent := seedAgent(t, st, client.ID)

	cmd := enqueue(t, st, agent.ID, "req-cancel", 0)
	cancelled, err := st.Commands.Cancel(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandCancelled, cancelled.Status)

	// Once the agent has picked a command up it can no longer be
	// cancelled from the operator side.
	delivered := enqueue(t, st, agent.ID, "req-cancel-2", 0)
	_, err = st.Commands.TakeForAgent(ctx, agent.ID)
	require.NoError(t, err)
	_, err = st.Commands.Cancel(ctx, delivered.ID)
	assert.ErrorIs(t, err, ErrCommandTerminal)
}

func TestExpireOverdue_DeadlinesAndOrphans(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	client := seedClient(t, st)
	agent := seedAgent(t, st, client.ID)

	overdue := enqueue(t, st, agent.ID, "req-overdue", 0)
	orphan := enqueue(t, st, agent.ID, "req-orphan", 0)
	healthy := enqueue(t, st, agent.ID, "req-healthy", 0)

	_, err := st.DB().ExecContext(ctx,
		`UPDATE commands SET deadline_at = now() - interval '1 minute' WHERE id = $1`, overdue.ID)
	require.NoError(t, err)
	_, err = st.DB().ExecContext(ctx,
		`UPDATE commands SET status = 'executing', executed_at = now() - interval '2 hours' WHERE id = $1`, orphan.ID)
	require.NoError(t, err)

	expired, err := st.Commands.ExpireOverdue(ctx, time.Now().UTC(), time.Hour)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	for _, c := range expired {
		assert.Equal(t, models.CommandExpired, c.Status)
		assert.NotEqual(t, healthy.ID, c.ID)
	}

	fresh, err := st.Commands.Get(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandPending, fresh.Status)
}

package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spotplane/spotplane/pkg/config"
	"github.com/spotplane/spotplane/pkg/events"
	"github.com/spotplane/spotplane/pkg/metrics"
	"github.com/spotplane/spotplane/pkg/models"
	"github.com/spotplane/spotplane/pkg/store"
)

// Service owns the command queue semantics above the store: idempotent
// enqueue, delivery, completion, and cancellation. All mutations
// publish stream events for the dashboard.
type Service struct {
	store           *store.Store
	publisher       *events.Publisher
	maxOpenPerAgent int
}

// NewService creates the queue service.
func NewService(st *store.Store, publisher *events.Publisher, cfg *config.QueueConfig) *Service {
	return &Service{
		store:           st,
		publisher:       publisher,
		maxOpenPerAgent: cfg.MaxOpenPerAgent,
	}
}

// Enqueue inserts a command under the request-id idempotency contract:
// a fresh request id creates the command; a duplicate of a still-open
// command returns DuplicateRequestError; a duplicate of a finished
// command replays it (replayed=true) with no state change. Priority
// defaults from the trigger when unset.
func (s *Service) Enqueue(ctx context.Context, clientID string, cmd *models.Command) (out *models.Command, replayed bool, err error) {
	if cmd.Priority == 0 {
		cmd.Priority = models.PriorityForTrigger(cmd.Trigger)
	}

	open, err := s.store.Commands.CountOpenForAgent(ctx, cmd.AgentID)
	if err != nil {
		return nil, false, err
	}
	if open >= s.maxOpenPerAgent {
		return nil, false, store.NewValidationError("agentId",
			fmt.Sprintf("agent has %d open commands, limit is %d", open, s.maxOpenPerAgent))
	}

	out, created, err := s.store.Commands.Enqueue(ctx, cmd)
	if err != nil {
		return nil, false, err
	}
	if !created {
		if out.Status.Terminal() {
			slog.Info("Replaying finished command for duplicate request",
				"request_id", out.RequestID, "command_id", out.ID, "status", out.Status)
			return out, true, nil
		}
		return nil, false, &store.DuplicateRequestError{Existing: out}
	}

	metrics.CommandsEnqueued.WithLabelValues(string(out.Type), string(out.Trigger)).Inc()
	s.publisher.PublishBestEffort(ctx, clientID, &out.AgentID, models.EventCommandQueued, events.CommandEventPayload{
		CommandID:   out.ID,
		AgentID:     out.AgentID,
		CommandType: string(out.Type),
		Trigger:     string(out.Trigger),
		Status:      string(out.Status),
	})
	return out, false, nil
}

// PendingForAgent returns the agent's open commands in priority then
// FIFO order, stamping first delivery.
func (s *Service) PendingForAgent(ctx context.Context, agentID string) ([]models.Command, error) {
	return s.store.Commands.TakeForAgent(ctx, agentID)
}

// GetForAgent fetches one command and verifies it belongs to the agent.
// A command of another agent is reported as not found, not as
// forbidden, so ids don't leak across agents.
func (s *Service) GetForAgent(ctx context.Context, agentID, commandID string) (*models.Command, error) {
	cmd, err := s.store.Commands.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd.AgentID != agentID {
		return nil, store.ErrNotFound
	}
	return cmd, nil
}

// Complete finalizes a command from the agent's execution report.
func (s *Service) Complete(ctx context.Context, clientID, agentID, commandID string, success bool, message string, postState json.RawMessage) (*models.Command, error) {
	if _, err := s.GetForAgent(ctx, agentID, commandID); err != nil {
		return nil, err
	}
	out, err := s.store.Commands.MarkExecuted(ctx, commandID, success, message, postState)
	if err != nil {
		return nil, err
	}

	metrics.CommandsCompleted.WithLabelValues(string(out.Type), string(out.Status)).Inc()
	eventType := models.EventCommandCompleted
	if !success {
		eventType = models.EventCommandFailed
		s.publisher.Audit(ctx, models.SeverityWarning, &clientID, &agentID,
			"command.failed", fmt.Sprintf("command %s (%s) failed: %s", out.ID, out.Type, message), nil)
	}
	s.publisher.PublishBestEffort(ctx, clientID, &agentID, eventType, events.CommandEventPayload{
		CommandID:   out.ID,
		AgentID:     out.AgentID,
		CommandType: string(out.Type),
		Trigger:     string(out.Trigger),
		Status:      string(out.Status),
		Message:     message,
	})
	return out, nil
}

// Cancel aborts a command that has not been delivered yet.
func (s *Service) Cancel(ctx context.Context, clientID, commandID string) (*models.Command, error) {
	out, err := s.store.Commands.Cancel(ctx, commandID)
	if err != nil {
		return nil, err
	}
	metrics.CommandsCompleted.WithLabelValues(string(out.Type), string(out.Status)).Inc()
	s.publisher.PublishBestEffort(ctx, clientID, &out.AgentID, models.EventCommandFailed, events.CommandEventPayload{
		CommandID:   out.ID,
		AgentID:     out.AgentID,
		CommandType: string(out.Type),
		Trigger:     string(out.Trigger),
		Status:      string(out.Status),
	})
	return out, nil
}

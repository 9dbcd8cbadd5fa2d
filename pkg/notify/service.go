package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token   string
	Channel string
}

// AgentErrorInput contains data for an agent-in-error notification.
type AgentErrorInput struct {
	AgentID          string
	LogicalID        string
	ClientID         string
	Reason           string
	FailedPromotions int
}

// EmergencyInput contains data for a preemption notice notification.
type EmergencyInput struct {
	AgentID    string
	LogicalID  string
	NoticeKind string
	Outcome    string
	Deadline   time.Time
}

// Service handles Slack notification delivery.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client *Client
	logger *slog.Logger
}

// NewService creates a new Slack notification service.
// Returns nil if Token or Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client: NewClient(cfg.Token, cfg.Channel),
		logger: slog.Default().With("component", "slack-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client) *Service {
	return &Service{
		client: client,
		logger: slog.Default().With("component", "slack-service"),
	}
}

// NotifyAgentError alerts operators that an agent entered the error
// state and needs manual attention. Fail-open: errors are logged,
// never returned.
func (s *Service) NotifyAgentError(ctx context.Context, input AgentErrorInput) {
	if s == nil {
		return
	}
	blocks := buildMessage(
		":rotating_light: Agent needs attention",
		[]field{
			{"Agent", input.LogicalID},
			{"Agent ID", input.AgentID},
			{"Client", input.ClientID},
			{"Failed promotions", fmt.Sprintf("%d", input.FailedPromotions)},
		},
		"Auto-switching has been disabled. Clear the error through the operator API once the agent is healthy.\n\n"+input.Reason,
	)
	if err := s.client.PostMessage(ctx, blocks, 10*time.Second); err != nil {
		s.logger.Error("Failed to send agent error notification",
			"agent_id", input.AgentID, "error", err)
	}
}

// NotifyEmergency reports the outcome of a preemption notice.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyEmergency(ctx context.Context, input EmergencyInput) {
	if s == nil {
		return
	}
	blocks := buildMessage(
		":warning: Preemption notice: "+input.NoticeKind,
		[]field{
			{"Agent", input.LogicalID},
			{"Agent ID", input.AgentID},
			{"Outcome", input.Outcome},
			{"Deadline", input.Deadline.UTC().Format(time.RFC3339)},
		},
		"",
	)
	if err := s.client.PostMessage(ctx, blocks, 5*time.Second); err != nil {
		s.logger.Error("Failed to send emergency notification",
			"agent_id", input.AgentID, "error", err)
	}
}

type field struct {
	label string
	value string
}

func buildMessage(header string, fields []field, body string) []goslack.Block {
	blocks := []goslack.Block{
		goslack.NewHeaderBlock(goslack.NewTextBlockObject(goslack.PlainTextType, header, true, false)),
	}
	var objs []*goslack.TextBlockObject
	for _, f := range fields {
		objs = append(objs, goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*%s:*\n%s", f.label, f.value), false, false))
	}
	if len(objs) > 0 {
		blocks = append(blocks, goslack.NewSectionBlock(nil, objs, nil))
	}
	if body != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, body, false, false), nil, nil))
	}
	return blocks
}

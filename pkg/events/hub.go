package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spotplane/spotplane/pkg/metrics"
	"github.com/spotplane/spotplane/pkg/models"
	"github.com/spotplane/spotplane/pkg/store"
)

// listenTimeout bounds how long a LISTEN command may block when the
// first subscriber of a client attaches.
const listenTimeout = 10 * time.Second

// subscriptionBuffer is the per-subscriber channel depth. A dashboard
// that cannot drain this many events loses the overflow and is
// expected to reconnect with its last seen id.
const subscriptionBuffer = 64

// Subscription is one attached event stream consumer.
type Subscription struct {
	ID       string
	ClientID string

	// C delivers live envelopes. Closed when the subscription is
	// removed from the hub.
	C chan Envelope
}

// Hub fans NOTIFY payloads out to attached SSE subscribers. The
// Postgres LISTEN for a client channel is established when its first
// subscriber attaches and dropped when the last one detaches, so idle
// clients cost nothing.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[string]*Subscription

	events       *store.EventStore
	catchupLimit int

	listener   *NotifyListener
	listenerMu sync.RWMutex
}

// NewHub creates a Hub. catchupLimit caps replayed events per attach.
func NewHub(events *store.EventStore, catchupLimit int) *Hub {
	return &Hub{
		subs:         make(map[string]map[string]*Subscription),
		events:       events,
		catchupLimit: catchupLimit,
	}
}

// SetListener wires the NotifyListener. Called once during startup.
func (h *Hub) SetListener(l *NotifyListener) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listener = l
}

// Subscribe attaches a consumer for one client's stream. Events missed
// since sinceID are returned as backlog; the caller flushes the backlog
// before draining the live channel. overflow reports that more events
// were missed than the catch-up limit, telling the consumer to reload
// its state over REST instead. Delivery is at-least-once; consumers
// dedupe on envelope id.
func (h *Hub) Subscribe(ctx context.Context, clientID string, sinceID int64) (sub *Subscription, backlog []Envelope, overflow bool, err error) {
	sub = &Subscription{
		ID:       uuid.New().String(),
		ClientID: clientID,
		C:        make(chan Envelope, subscriptionBuffer),
	}

	h.mu.Lock()
	needsListen := false
	if _, ok := h.subs[clientID]; !ok {
		h.subs[clientID] = make(map[string]*Subscription)
		needsListen = true
	}
	h.subs[clientID][sub.ID] = sub
	h.mu.Unlock()

	if needsListen {
		h.listenerMu.RLock()
		l := h.listener
		h.listenerMu.RUnlock()
		if l != nil {
			listenCtx, cancel := context.WithTimeout(ctx, listenTimeout)
			defer cancel()
			if err := l.Subscribe(listenCtx, ClientChannel(clientID)); err != nil {
				h.remove(sub, false)
				return nil, nil, false, fmt.Errorf("failed to listen for client %s: %w", clientID, err)
			}
		}
	}

	// LISTEN is active before the catch-up query runs, so nothing
	// published in between can be lost. Duplicates are possible and
	// handled by id dedupe on the consumer side.
	rows, err := h.events.CatchupEvents(ctx, clientID, sinceID, h.catchupLimit+1)
	if err != nil {
		h.remove(sub, true)
		return nil, nil, false, err
	}
	if len(rows) > h.catchupLimit {
		overflow = true
		rows = rows[:h.catchupLimit]
	}
	backlog = make([]Envelope, 0, len(rows))
	for _, r := range rows {
		backlog = append(backlog, envelopeFromRow(r))
	}

	metrics.SSEConnections.Inc()
	return sub, backlog, overflow, nil
}

// Unsubscribe detaches a consumer and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.remove(sub, true)
	metrics.SSEConnections.Dec()
}

func (h *Hub) remove(sub *Subscription, unlisten bool) {
	h.mu.Lock()
	clientSubs, ok := h.subs[sub.ClientID]
	if ok {
		if _, present := clientSubs[sub.ID]; present {
			delete(clientSubs, sub.ID)
			close(sub.C)
		}
		if len(clientSubs) == 0 {
			delete(h.subs, sub.ClientID)
			if unlisten {
				h.unlistenIfIdle(sub.ClientID)
			}
		}
	}
	h.mu.Unlock()
}

// unlistenIfIdle drops the LISTEN for a client channel unless someone
// re-subscribed in the meantime. Runs async so a slow UNLISTEN never
// blocks subscriber teardown. Caller holds h.mu.
func (h *Hub) unlistenIfIdle(clientID string) {
	h.listenerMu.RLock()
	l := h.listener
	h.listenerMu.RUnlock()
	if l == nil {
		return
	}
	go func() {
		h.mu.Lock()
		_, resubscribed := h.subs[clientID]
		h.mu.Unlock()
		if resubscribed {
			return
		}
		if err := l.Unsubscribe(context.Background(), ClientChannel(clientID)); err != nil {
			slog.Error("Failed to UNLISTEN client channel", "client_id", clientID, "error", err)
		}
	}()
}

// Broadcast delivers one NOTIFY payload to every subscriber of its
// client. Slow subscribers are skipped rather than blocking the
// dispatch loop; they recover through catch-up on reconnect.
func (h *Hub) Broadcast(channel string, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Warn("Dropping malformed NOTIFY payload", "channel", channel, "error", err)
		return
	}

	delivered := false
	h.mu.Lock()
	for _, sub := range h.subs[env.ClientID] {
		select {
		case sub.C <- env:
			delivered = true
		default:
			slog.Warn("Subscriber buffer full, dropping event",
				"subscription_id", sub.ID, "client_id", env.ClientID, "event_id", env.ID)
		}
	}
	h.mu.Unlock()

	if delivered {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.events.MarkDelivered(ctx, []int64{env.ID}); err != nil {
				slog.Warn("Failed to mark event delivered", "event_id", env.ID, "error", err)
			}
		}()
	}
}

// ActiveSubscriptions returns the current subscriber count.
func (h *Hub) ActiveSubscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, clientSubs := range h.subs {
		n += len(clientSubs)
	}
	return n
}

func envelopeFromRow(r models.StreamEvent) Envelope {
	return Envelope{
		ID:        r.ID,
		ClientID:  r.ClientID,
		AgentID:   r.AgentID,
		EventType: r.EventType,
		Payload:   r.Payload,
	}
}

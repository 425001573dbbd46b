// Package checkouttest provides in-memory collaborators for saga tests.
package checkouttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ms-reservation/internal/checkout"
	"ms-reservation/internal/models"
)

// FakeGateway issues sequential session ids and records expirations. Its
// webhook payloads are plain JSON CheckoutSessionEvents; the signature must
// equal Secret.
type FakeGateway struct {
	Secret    string
	CreateErr error
	// OnCreate, when set, runs after a session is issued and before
	// CreateSession returns.
	OnCreate func(sessionID string)

	mu       sync.Mutex
	seq      int
	Requests []checkout.SessionRequest
	Expired  []string
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{Secret: "whsec_test"}
}

func (g *FakeGateway) Name() string { return "fake" }

func (g *FakeGateway) CreateSession(ctx context.Context, req checkout.SessionRequest) (*checkout.SessionResult, error) {
	g.mu.Lock()
	if g.CreateErr != nil {
		g.mu.Unlock()
		return nil, g.CreateErr
	}
	g.seq++
	g.Requests = append(g.Requests, req)
	id := fmt.Sprintf("cs_test_%d", g.seq)
	hook := g.OnCreate
	g.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return &checkout.SessionResult{
		SessionID: id,
		URL:       "https://pay.example.test/" + id,
		ExpiresAt: req.ExpiresAt,
	}, nil
}

func (g *FakeGateway) ExpireSession(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Expired = append(g.Expired, sessionID)
	return nil
}

func (g *FakeGateway) ParseWebhook(payload []byte, signature string) (*models.CheckoutSessionEvent, error) {
	if signature != g.Secret {
		return nil, fmt.Errorf("signature mismatch: %w", checkout.ErrInvalidWebhook)
	}
	var ev models.CheckoutSessionEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%v: %w", err, checkout.ErrInvalidWebhook)
	}
	if ev.Type != models.SessionCompletedEvent && ev.Type != models.SessionExpiredEvent {
		return nil, checkout.ErrEventIgnored
	}
	return &ev, nil
}

func (g *FakeGateway) CreateCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Requests)
}

func (g *FakeGateway) ExpiredSessions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.Expired...)
}

// Recorder collects published reservation events and TTL key operations.
type Recorder struct {
	mu       sync.Mutex
	Events   []models.ReservationEvent
	Armed    map[string]time.Duration
	Disarmed []string
}

func NewRecorder() *Recorder {
	return &Recorder{Armed: map[string]time.Duration{}}
}

func (r *Recorder) PublishReservationEvent(ctx context.Context, ev models.ReservationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, ev)
	return nil
}

func (r *Recorder) Arm(ctx context.Context, reservationID string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Armed[reservationID] = ttl
	return nil
}

func (r *Recorder) Disarm(ctx context.Context, reservationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Disarmed = append(r.Disarmed, reservationID)
	return nil
}

// EventTypes lists published event types for one reservation, in order.
func (r *Recorder) EventTypes(reservationID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.Events {
		if ev.ReservationID == reservationID {
			out = append(out, ev.Type)
		}
	}
	return out
}

// Package webhooks delivers fleet lifecycle events to external services.
//
// Operators can register webhook URLs to receive notifications about:
// - Ticket finalization and reclaim eligibility
// - Recorded settlement obligations
// - Netting execution, dispute outcomes, bond slashes
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/flotilla-net/flotilla/internal/security"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventTicketFinalized    EventType = "ticket.finalized"
	EventReclaimEligible    EventType = "ticket.reclaim_eligible"
	EventObligationRecorded EventType = "obligation.recorded"
	EventNettingExecuted    EventType = "netting.executed"
	EventDisputeResolved    EventType = "dispute.resolved"
	EventBondSlashed        EventType = "bond.slashed"
	EventBondRefunded       EventType = "bond.refunded"
)

// maxConsecutiveFailures disables a subscription after this many
// delivery errors in a row.
const maxConsecutiveFailures = 10

// Event represents a webhook event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	PeerAddr            string      `json:"peerAddr"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures,omitempty"`
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByPeer(ctx context.Context, peerAddr string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events
type Dispatcher struct {
	store        Store
	client       *http.Client
	urlValidator func(rawURL string) error
	mu           sync.RWMutex
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		urlValidator: security.ValidateEndpointURL,
	}
}

// Dispatch sends an event to all relevant subscribers
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}

		// Send async to avoid blocking
		go d.send(ctx, sub, event)
	}

	return nil
}

// DispatchToPeer sends an event to a specific peer's webhooks
func (d *Dispatcher) DispatchToPeer(ctx context.Context, peerAddr string, event *Event) error {
	subs, err := d.store.GetByPeer(ctx, peerAddr)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}

		// Check if subscribed to this event type
		for _, et := range sub.Events {
			if et == event.Type {
				go d.send(ctx, sub, event)
				break
			}
		}
	}

	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	if err := d.urlValidator(sub.URL); err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("rejected destination: %v", err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.updateError(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flotilla-Event", string(event.Type))
	req.Header.Set("X-Flotilla-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	// Sign the payload if secret is set
	if sub.Secret != "" {
		signature := d.sign(payload, sub.Secret)
		req.Header.Set("X-Flotilla-Signature", signature)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.updateSuccess(ctx, sub)
	} else {
		d.updateError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
	}
	d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("subscription not found")
}

func (m *MemoryStore) GetByPeer(ctx context.Context, peerAddr string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.PeerAddr == peerAddr {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				result = append(result, sub)
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

// Package push fans events out to registered client endpoints: WebSocket
// connections, APNs devices, and DAV push webhooks. Mail arrival is fed in
// by per-account IMAP IDLE watchers.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/earth92/appsuite-middleware-sub014/internal/metrics"
	"github.com/earth92/appsuite-middleware-sub014/internal/store"
)

// ErrPermanent marks a delivery failure that invalidates the subscription,
// such as an unregistered device token. The registry drops the subscription.
var ErrPermanent = errors.New("permanent delivery failure")

// Event is a notification addressed to one user.
type Event struct {
	UserID  int64          `json:"-"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Encode renders the wire form shared by all transports.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Transport delivers events to subscriptions of its kind.
type Transport interface {
	ID() string
	Deliver(ctx context.Context, sub store.PushSubscription, ev Event) error
}

// Registry tracks live subscriptions per user and fans published events out
// to their transports. Subscriptions are persisted through the repository so
// they survive restarts; the in-memory map is the hot path for Publish.
type Registry struct {
	repo       store.PushSubscriptionRepository
	transports map[string]Transport

	mu   sync.RWMutex
	subs map[int64]map[string]store.PushSubscription
}

func NewRegistry(repo store.PushSubscriptionRepository, transports ...Transport) *Registry {
	byID := make(map[string]Transport, len(transports))
	for _, tr := range transports {
		byID[tr.ID()] = tr
	}
	return &Registry{
		repo:       repo,
		transports: byID,
		subs:       make(map[int64]map[string]store.PushSubscription),
	}
}

// Load populates the in-memory map from the repository. Subscriptions for
// transports that are not configured are kept stored but never delivered to.
func (r *Registry) Load(ctx context.Context) error {
	for id := range r.transports {
		subs, err := r.repo.ListByTransport(ctx, id)
		if err != nil {
			return fmt.Errorf("load %s subscriptions: %w", id, err)
		}
		r.mu.Lock()
		for _, sub := range subs {
			r.addLocked(sub)
		}
		r.mu.Unlock()
	}
	r.publishGauges()
	return nil
}

// Subscribe registers and persists a new subscription.
func (r *Registry) Subscribe(ctx context.Context, userID int64, transport, token, client string, expiresAt *time.Time) (*store.PushSubscription, error) {
	if _, ok := r.transports[transport]; !ok {
		return nil, fmt.Errorf("unknown push transport %q", transport)
	}
	sub := store.PushSubscription{
		ID:        uuid.NewString(),
		UserID:    userID,
		Transport: transport,
		Token:     token,
		Client:    client,
		ExpiresAt: expiresAt,
	}
	created, err := r.repo.Create(ctx, sub)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.addLocked(*created)
	r.mu.Unlock()
	r.publishGauges()
	return created, nil
}

// Unsubscribe removes a subscription owned by the user.
func (r *Registry) Unsubscribe(ctx context.Context, userID int64, subID string) error {
	if err := r.repo.Delete(ctx, userID, subID); err != nil {
		return err
	}
	r.removeFromMap(userID, subID)
	return nil
}

// Subscriptions lists the user's live subscriptions.
func (r *Registry) Subscriptions(ctx context.Context, userID int64) ([]store.PushSubscription, error) {
	return r.repo.ListByUser(ctx, userID)
}

// Publish fans the event out to every subscription of the addressed user.
// Delivery failures are logged and counted, never returned; a permanent
// failure drops the subscription.
func (r *Registry) Publish(ctx context.Context, ev Event) {
	r.mu.RLock()
	var targets []store.PushSubscription
	for _, sub := range r.subs[ev.UserID] {
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	now := time.Now()
	for _, sub := range targets {
		if sub.ExpiresAt != nil && sub.ExpiresAt.Before(now) {
			r.drop(ctx, sub, "expired")
			continue
		}
		tr := r.transports[sub.Transport]
		if tr == nil {
			continue
		}
		if err := tr.Deliver(ctx, sub, ev); err != nil {
			if errors.Is(err, ErrPermanent) {
				metrics.CountPushDelivery(sub.Transport, "permanent")
				r.drop(ctx, sub, err.Error())
				continue
			}
			metrics.CountPushDelivery(sub.Transport, "error")
			log.Printf("[WARN] push delivery via %s to subscription %s failed: %v", sub.Transport, sub.ID, err)
			continue
		}
		metrics.CountPushDelivery(sub.Transport, "ok")
	}
}

func (r *Registry) drop(ctx context.Context, sub store.PushSubscription, reason string) {
	log.Printf("[INFO] dropping %s subscription %s for user %d: %s", sub.Transport, sub.ID, sub.UserID, reason)
	if err := r.repo.Delete(ctx, sub.UserID, sub.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("[WARN] delete subscription %s: %v", sub.ID, err)
	}
	r.removeFromMap(sub.UserID, sub.ID)
}

func (r *Registry) addLocked(sub store.PushSubscription) {
	if r.subs[sub.UserID] == nil {
		r.subs[sub.UserID] = make(map[string]store.PushSubscription)
	}
	r.subs[sub.UserID][sub.ID] = sub
}

func (r *Registry) removeFromMap(userID int64, subID string) {
	r.mu.Lock()
	if subs := r.subs[userID]; subs != nil {
		delete(subs, subID)
		if len(subs) == 0 {
			delete(r.subs, userID)
		}
	}
	r.mu.Unlock()
	r.publishGauges()
}

func (r *Registry) publishGauges() {
	counts := make(map[string]int, len(r.transports))
	for id := range r.transports {
		counts[id] = 0
	}
	r.mu.RLock()
	for _, subs := range r.subs {
		for _, sub := range subs {
			counts[sub.Transport]++
		}
	}
	r.mu.RUnlock()
	for transport, n := range counts {
		metrics.SetPushSubscriptions(transport, n)
	}
}

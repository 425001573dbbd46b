// Package redis arms a TTL key per pending reservation and turns Redis
// keyspace expiry notifications into early expiry calls.
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ms-reservation/internal/logger"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "reservation_ttl:"

func Key(reservationID string) string {
	return keyPrefix + reservationID
}

// ReservationIDFromKey extracts the reservation id from an expired key name.
func ReservationIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, keyPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, keyPrefix)
	return id, id != ""
}

type ExpiryKeys struct {
	Client *redis.Client
	Logger *logger.Logger
}

func NewExpiryKeys(client *redis.Client, log *logger.Logger) *ExpiryKeys {
	return &ExpiryKeys{Client: client, Logger: log}
}

// Arm sets the reservation's TTL key so Redis fires an expiry event when the
// hold runs out.
func (e *ExpiryKeys) Arm(ctx context.Context, reservationID string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("arm %s: ttl must be positive", reservationID)
	}
	// Redis keeps millisecond precision; round up so the key never fires
	// before the deadline.
	if rem := ttl % time.Millisecond; rem != 0 {
		ttl += time.Millisecond - rem
	}
	return e.Client.Set(ctx, Key(reservationID), reservationID, ttl).Err()
}

// Disarm removes the key once the reservation has left pending.
func (e *ExpiryKeys) Disarm(ctx context.Context, reservationID string) error {
	return e.Client.Del(ctx, Key(reservationID)).Err()
}

func (e *ExpiryKeys) Armed(ctx context.Context, reservationID string) (bool, error) {
	n, err := e.Client.Exists(ctx, Key(reservationID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ExpireFunc is called with the id of a reservation whose TTL key expired.
type ExpireFunc func(ctx context.Context, reservationID string)

// Notifier listens on __keyevent@<db>__:expired.
type Notifier struct {
	client *redis.Client
	log    *logger.Logger
	expire ExpireFunc

	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

func NewNotifier(client *redis.Client, log *logger.Logger, expire ExpireFunc) *Notifier {
	return &Notifier{client: client, log: log, expire: expire}
}

func (n *Notifier) Channel() string {
	return fmt.Sprintf("__keyevent@%d__:expired", n.client.Options().DB)
}

// Start subscribes and returns once Redis has confirmed the subscription.
// Events are handled on a background goroutine until ctx is done or Stop
// is called.
func (n *Notifier) Start(ctx context.Context) error {
	n.ensureNotificationsEnabled(ctx)

	pubsub := n.client.PSubscribe(ctx, n.Channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", n.Channel(), err)
	}
	n.pubsub = pubsub
	n.log.Info("REDIS", fmt.Sprintf("Subscribed to %s", n.Channel()))

	ch := pubsub.Channel()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				id, ok := ReservationIDFromKey(msg.Payload)
				if !ok {
					continue
				}
				n.log.Debug("REDIS", fmt.Sprintf("TTL key expired for reservation %s", id))
				n.expire(ctx, id)
			}
		}
	}()
	return nil
}

func (n *Notifier) Stop() {
	if n.pubsub != nil {
		n.pubsub.Close()
	}
	n.wg.Wait()
}

// Expired events need "E" (keyevent) and "x" (expired) in
// notify-keyspace-events. Managed Redis often forbids CONFIG, so failure
// only warns; the periodic sweep still expires everything.
func (n *Notifier) ensureNotificationsEnabled(ctx context.Context) {
	val, err := n.client.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		n.log.Warn("REDIS", fmt.Sprintf("Failed to get keyspace config: %v", err))
		return
	}
	current := ""
	if len(val) >= 2 {
		current, _ = val[1].(string)
	}
	if strings.Contains(current, "E") && (strings.Contains(current, "x") || strings.Contains(current, "A")) {
		return
	}
	if err := n.client.ConfigSet(ctx, "notify-keyspace-events", current+"Ex").Err(); err != nil {
		n.log.Warn("REDIS", fmt.Sprintf("Keyspace notifications not configured for expiry events: %v", err))
		return
	}
	n.log.Info("REDIS", "Enabled keyspace expiry notifications")
}

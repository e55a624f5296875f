package redisclient

import (
	"context"
	"fmt"
	"time"

	"commerce-bot/internal/models"

	"github.com/go-redis/redis/v8"
)

// PendingOrders keeps one PendingOrder per user with an expiry
type PendingOrders struct {
	client *Client
	ttl    time.Duration
}

func NewPendingOrders(client *Client, ttl time.Duration) *PendingOrders {
	return &PendingOrders{client: client, ttl: ttl}
}

func pendingKey(userID int64) string {
	return fmt.Sprintf("pending:%d", userID)
}

// Save stores p, replacing any previous pending order of the user
func (p *PendingOrders) Save(ctx context.Context, order models.PendingOrder) error {
	return p.client.setJSON(ctx, pendingKey(order.UserID), order, p.ttl)
}

// Get returns nil when the user has no pending order
func (p *PendingOrders) Get(ctx context.Context, userID int64) (*models.PendingOrder, error) {
	var order models.PendingOrder
	found, err := p.client.getJSON(ctx, pendingKey(userID), &order)
	if err != nil || !found {
		return nil, err
	}
	return &order, nil
}

// DeleteIfReference removes the user's pending order only if it still
// carries reference, so a newer checkout is never dropped by a stale callback.
func (p *PendingOrders) DeleteIfReference(ctx context.Context, userID int64, reference string) (bool, error) {
	key := pendingKey(userID)
	deleted := false

	err := p.client.rdb.Watch(ctx, func(tx *redis.Tx) error {
		var order models.PendingOrder
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		if err := decode(data, &order); err != nil {
			return err
		}
		if order.PaymentReference != reference {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}, key)
	if err == redis.TxFailedErr {
		return false, nil
	}
	return deleted, err
}

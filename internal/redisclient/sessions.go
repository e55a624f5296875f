package redisclient

import (
	"context"
	"fmt"
	"time"

	"commerce-bot/internal/checkout"
)

// Sessions stores checkout sessions. A session not touched for ttl expires.
type Sessions struct {
	client *Client
	ttl    time.Duration
}

func NewSessions(client *Client, ttl time.Duration) *Sessions {
	return &Sessions{client: client, ttl: ttl}
}

func sessionKey(userID int64) string {
	return fmt.Sprintf("checkout:%d", userID)
}

func (s *Sessions) Load(ctx context.Context, userID int64) (*checkout.Session, error) {
	var session checkout.Session
	found, err := s.client.getJSON(ctx, sessionKey(userID), &session)
	if err != nil || !found {
		return nil, err
	}
	return &session, nil
}

func (s *Sessions) Save(ctx context.Context, session *checkout.Session) error {
	return s.client.setJSON(ctx, sessionKey(session.UserID), session, s.ttl)
}

func (s *Sessions) Delete(ctx context.Context, userID int64) error {
	return s.client.rdb.Del(ctx, sessionKey(userID)).Err()
}

package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// Key layout for the exchange rendezvous state. Everything here is TTL-bound;
// nothing in the matching core persists durably.

func PendingKey(sessionID string) string {
	return fmt.Sprintf("exchange:pending:%s", sessionID)
}

// BucketKey is the single shared set of session ids awaiting a match.
func BucketKey() string {
	return "exchange:bucket"
}

func MatchKey(token string) string {
	return fmt.Sprintf("exchange:match:%s", token)
}

// SessionMatchKey is the reverse lookup from a session id to its match token.
func SessionMatchKey(sessionID string) string {
	return fmt.Sprintf("exchange:match:session:%s", sessionID)
}

// SessionChannel is the pub/sub channel carrying match events for one session.
func SessionChannel(sessionID string) string {
	return fmt.Sprintf("exchange:events:%s", sessionID)
}

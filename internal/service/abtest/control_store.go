package abtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ControlStore holds each campaign's A/B control group until it is released.
type ControlStore interface {
	Save(ctx context.Context, campaignID string, subscriberIDs []string) error
	// Take returns and deletes the control group atomically. A second call
	// returns an empty slice.
	Take(ctx context.Context, campaignID string) ([]string, error)
	Size(ctx context.Context, campaignID string) (int, error)
}

// RedisControlStore keeps control groups as JSON arrays under
// abtest:control:<campaignID>.
type RedisControlStore struct {
	client *redis.Client
}

// NewRedisControlStore creates a store on client.
func NewRedisControlStore(client *redis.Client) *RedisControlStore {
	return &RedisControlStore{client: client}
}

func controlKey(campaignID string) string { return "abtest:control:" + campaignID }

// Save overwrites the control group of a campaign.
func (s *RedisControlStore) Save(ctx context.Context, campaignID string, subscriberIDs []string) error {
	data, err := json.Marshal(subscriberIDs)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, controlKey(campaignID), data, 0).Err(); err != nil {
		return fmt.Errorf("save control group: %w", err)
	}
	return nil
}

// Take reads and deletes the entry in one MULTI/EXEC.
func (s *RedisControlStore) Take(ctx context.Context, campaignID string) ([]string, error) {
	key := controlKey(campaignID)
	var get *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, key)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("take control group: %w", err)
	}

	raw, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("take control group: %w", err)
	}

	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode control group: %w", err)
	}
	return ids, nil
}

// Size reports how many subscribers are held back, or 0 once released.
func (s *RedisControlStore) Size(ctx context.Context, campaignID string) (int, error) {
	raw, err := s.client.Get(ctx, controlKey(campaignID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

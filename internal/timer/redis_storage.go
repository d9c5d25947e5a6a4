package timer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Proton-105/fuel-control/internal/domain"
)

const pilotTimerKeyPattern = "pilot:timer:%s"

// RedisStorage persists authoritative pilot timer rows in Redis. Rows have no
// TTL: the two pilots exist forever and an idle row is still a valid row.
type RedisStorage struct {
	client *redis.Client
	log    *slog.Logger
}

// NewRedisStorage initializes a Redis-backed Storage implementation.
func NewRedisStorage(client *redis.Client, log *slog.Logger) Storage {
	if log == nil {
		log = slog.Default()
	}

	return &RedisStorage{
		client: client,
		log:    log,
	}
}

// Load returns the stored timer row or ErrStateNotFound when absent.
func (s *RedisStorage) Load(ctx context.Context, pilotID domain.PilotID) (*domain.PilotTimerState, error) {
	key := pilotTimerKey(pilotID)

	data, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrStateNotFound
		}

		s.log.Error("failed to get pilot timer row", "pilot_id", pilotID, "error", err)
		return nil, err
	}

	var state domain.PilotTimerState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		s.log.Error("failed to decode pilot timer row", "pilot_id", pilotID, "error", err)
		return nil, err
	}

	return &state, nil
}

// LoadAll fetches the timer rows for the fixed pilot roster, skipping pilots
// without a row yet.
func (s *RedisStorage) LoadAll(ctx context.Context) ([]*domain.PilotTimerState, error) {
	result := make([]*domain.PilotTimerState, 0, len(domain.Pilots))

	for _, id := range domain.Pilots {
		state, err := s.Load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrStateNotFound) {
				continue
			}
			return nil, err
		}
		result = append(result, state)
	}

	return result, nil
}

// Save writes the provided timer row.
func (s *RedisStorage) Save(ctx context.Context, state *domain.PilotTimerState) error {
	state.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(state)
	if err != nil {
		s.log.Error("failed to encode pilot timer row", "pilot_id", state.PilotID, "error", err)
		return err
	}

	key := pilotTimerKey(state.PilotID)
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		s.log.Error("failed to save pilot timer row", "pilot_id", state.PilotID, "error", err)
		return err
	}

	return nil
}

func pilotTimerKey(pilotID domain.PilotID) string {
	return fmt.Sprintf(pilotTimerKeyPattern, pilotID)
}

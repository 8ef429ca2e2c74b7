package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"pulseq/internal/config"
	"pulseq/internal/domain"
	"pulseq/internal/ports"
	"pulseq/pkg/backoff"
)

var _ ports.DeadLetterSink = (*Sink)(nil)

// Sink exports terminally failed work items to a Redis stream for
// inspection. Queue contents themselves never leave the process; only
// items that resolved to ERROR are published here.
type Sink struct {
	cfg config.DeadLetter
	rdb *redis.Client
}

func New(cfg config.DeadLetter) *Sink {
	log.Info().Msgf("connecting dead-letter sink to redis at %s", cfg.Addr)
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Sink{cfg: cfg, rdb: c}
}

// Connect verifies the Redis connection.
func (s *Sink) Connect(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("dead-letter redis connection failed: %w", err)
	}
	log.Ctx(ctx).Info().Str("stream", s.cfg.StreamKey).Msg("dead-letter sink ready")
	return nil
}

// Publish appends the failed item and its classified reason to the
// dead-letter stream, retrying transient failures with jittered backoff.
func (s *Sink) Publish(ctx context.Context, item *domain.WorkItem, reason string) error {
	b, err := json.Marshal(struct {
		*domain.WorkItem
		Reason string `json:"reason"`
	}{item, reason})
	if err != nil {
		return err
	}

	attempts := s.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = s.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: s.cfg.StreamKey,
			Values: map[string]interface{}{"item": b},
		}).Err()
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		delay := backoff.ExponentialJitter(s.cfg.BaseBackoff, s.cfg.MaxBackoff, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("dead-letter publish after %d attempts: %w", attempts, lastErr)
}

func (s *Sink) Close() error {
	return s.rdb.Close()
}

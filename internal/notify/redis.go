// Package notify carries session events and the completion signal out of
// the process: to the session's voice worker and, when configured, to a
// Redis pub/sub channel for other services.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yuzu/tutor/internal/types"
)

var (
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_events_dropped_total",
		Help: "Events dropped because the publish queue was full",
	})
	metricPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_publish_errors_total",
		Help: "Failed Redis publishes",
	})
)

// Envelope is the JSON published per event.
type Envelope struct {
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Ts        time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Dial connects to Redis and checks the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Redis publishes events on one channel. Events enter through Sink, which
// never blocks, and leave through Run.
type Redis struct {
	rdb     *redis.Client
	channel string
	queue   chan Envelope
	log     *zap.Logger
}

func NewRedis(rdb *redis.Client, channel string, buffer int, log *zap.Logger) *Redis {
	if buffer <= 0 {
		buffer = 256
	}
	return &Redis{rdb: rdb, channel: channel, queue: make(chan Envelope, buffer), log: log.Named("notify")}
}

func (r *Redis) Channel() string { return r.channel }

func (r *Redis) Publish(ctx context.Context, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, b).Err(); err != nil {
		metricPublishErrors.Inc()
		return fmt.Errorf("notify: publish %s: %w", env.Type, err)
	}
	return nil
}

// Sink matches store.EventSink.
func (r *Redis) Sink(sessionID string, evt types.Event) {
	env := Envelope{SessionID: sessionID, Type: evt.Type, Ts: evt.Ts, Payload: evt.Payload}
	select {
	case r.queue <- env:
	default:
		metricDropped.Inc()
	}
}

// Run publishes queued events until ctx is done.
func (r *Redis) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-r.queue:
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := r.Publish(pctx, env); err != nil {
				r.log.Warn("publish failed", zap.String("session_id", env.SessionID), zap.Error(err))
			}
			cancel()
		}
	}
}

func (r *Redis) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

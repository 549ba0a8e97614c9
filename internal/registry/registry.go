// Package registry owns the live tutoring sessions. All sessions share one
// corpus and one progress tracker; sessions idle for longer than the TTL are
// evicted.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"yuzu/tutor/internal/corpus"
	"yuzu/tutor/internal/mode"
	"yuzu/tutor/internal/progress"
	"yuzu/tutor/internal/tutor"
)

var ErrExists = errors.New("registry: session already open")

var (
	metricOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_sessions_opened_total",
		Help: "Sessions opened, by mode",
	}, []string{"mode"})

	metricEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutor_sessions_evicted_total",
		Help: "Sessions removed by close or idle expiry",
	})
)

type Config struct {
	Progress         progress.Config
	GateFirstSection bool
	IdleTTL          time.Duration
}

type Registry struct {
	corpus    *corpus.Corpus
	tracker   *progress.Tracker
	gateFirst bool
	notifier  tutor.Notifier
	log       *zap.Logger
	cache     *cache.Cache

	// closing holds ids being removed by Close, so the eviction hook can
	// tell them from idle expiry.
	closing sync.Map
}

// New builds a registry over c. notifier may be nil.
func New(c *corpus.Corpus, cfg Config, notifier tutor.Notifier, log *zap.Logger) (*Registry, error) {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * time.Hour
	}
	tr, err := progress.New(c.TotalFragments(), cfg.Progress)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	purge := cfg.IdleTTL / 4
	if purge < time.Millisecond {
		purge = time.Millisecond
	}
	r := &Registry{
		corpus:    c,
		tracker:   tr,
		gateFirst: cfg.GateFirstSection,
		notifier:  notifier,
		log:       log.Named("registry"),
		cache:     cache.New(cfg.IdleTTL, purge),
	}
	r.OnEvicted(nil)
	return r, nil
}

// OnEvicted registers fn to run when a session expires idle. Sessions
// removed with Close do not reach fn; the caller of Close owns that cleanup.
func (r *Registry) OnEvicted(fn func(id string)) {
	r.cache.OnEvicted(func(id string, _ interface{}) {
		metricEvicted.Inc()
		if _, explicit := r.closing.Load(id); explicit {
			r.log.Info("session closed", zap.String("session_id", id))
			return
		}
		r.log.Info("session expired", zap.String("session_id", id))
		if fn != nil {
			fn(id)
		}
	})
}

func (r *Registry) Open(id string, m mode.Mode) (*tutor.Session, error) {
	s, err := tutor.New(id, m, r.corpus, tutor.Options{
		Tracker:          r.tracker,
		GateFirstSection: r.gateFirst,
		Notifier:         r.notifier,
		Logger:           r.log.Named("tutor"),
	})
	if err != nil {
		return nil, err
	}
	if err := r.cache.Add(id, s, cache.DefaultExpiration); err != nil {
		return nil, ErrExists
	}
	metricOpened.WithLabelValues(m.String()).Inc()
	r.log.Info("session opened", zap.String("session_id", id), zap.Stringer("mode", m))
	return s, nil
}

// Get returns the session and pushes its idle deadline out.
func (r *Registry) Get(id string) (*tutor.Session, bool) {
	x, found := r.cache.Get(id)
	if !found {
		return nil, false
	}
	s := x.(*tutor.Session)
	// Replace fails when the session was closed or expired after the Get.
	if err := r.cache.Replace(id, s, cache.DefaultExpiration); err != nil {
		return nil, false
	}
	return s, true
}

// Close removes the session without running the eviction hook.
func (r *Registry) Close(id string) {
	r.closing.Store(id, struct{}{})
	r.cache.Delete(id)
	r.closing.Delete(id)
}

func (r *Registry) Len() int { return r.cache.ItemCount() }

func (r *Registry) Corpus() *corpus.Corpus { return r.corpus }

// Package mirror implements the optional Redis write-through hot-store
// mirror: when REDIS_HOST is configured, the top-of-book store and the
// opportunity cache are shadowed into Redis so a horizontally-scaled
// read replica can serve snapshot endpoints without running its own
// detection pipeline. Writes stay strictly off the critical path, on a
// bounded async queue drained by a worker goroutine that the live
// pipeline never awaits.
package mirror

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"

	"marketwatch/internal/book"
	"marketwatch/internal/cache"
	"marketwatch/internal/config"
	"marketwatch/internal/metrics"
	"marketwatch/internal/model"
	"marketwatch/pkg/logging"
)

var mirrorJSON = jsoniter.ConfigCompatibleWithStandardLibrary

const writeTimeout = 500 * time.Millisecond

// Mirror shadows live Quotes and Opportunities into Redis. Opportunity
// entries expire after five minutes; quote entries and the best-opportunity
// entry carry no TTL. It is purely a cache warmer: nothing in the detection pipeline
// reads it back, and its own failures never block that pipeline.
type Mirror struct {
	client *redis.Client
	log    *logging.Logger
	queue  chan func(context.Context)
}

// New constructs a Mirror from cfg. Call New only when cfg.Enabled(); the
// caller owns that decision so an unconfigured deployment never dials
// Redis at all.
func New(cfg config.RedisConfig, log *logging.Logger, queueSize int) *Mirror {
	if queueSize <= 0 {
		queueSize = 4096
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr(cfg),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Mirror{
		client: client,
		log:    log.WithComponent("redis_mirror"),
		queue:  make(chan func(context.Context), queueSize),
	}
}

func addr(cfg config.RedisConfig) string {
	return cfg.Host + ":" + strconv.Itoa(cfg.Port)
}

// Run subscribes to store's quote stream and cache's insert/best-change
// streams and mirrors every event into Redis until ctx is cancelled. It
// is the mirror's only writer goroutine; Redis calls run serially off the
// bounded queue so a slow/unreachable Redis degrades to dropped mirror
// writes (counted by metrics.RedisMirrorErrors) rather than backpressure
// on the real pipeline.
func (m *Mirror) Run(ctx context.Context, store *book.Store, c *cache.Cache) error {
	defer m.client.Close()

	priceSub := store.Subscribe(1024)
	defer priceSub.Close()

	insertedCh := c.SubscribeInserted(1024)
	bestCh := c.SubscribeBest(16)

	go m.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			close(m.queue)
			return nil

		case ev, ok := <-priceSub.Out():
			if !ok {
				continue
			}
			m.enqueueQuote(ev.New)

		case opp, ok := <-insertedCh:
			if !ok {
				insertedCh = nil
				continue
			}
			m.enqueueOpportunity(opp)

		case best, ok := <-bestCh:
			if !ok {
				bestCh = nil
				continue
			}
			m.enqueueBest(best.Best)
		}
	}
}

func (m *Mirror) drain(ctx context.Context) {
	for job := range m.queue {
		job(ctx)
	}
}

func (m *Mirror) enqueueQuote(q model.Quote) {
	m.submit(func(ctx context.Context) {
		b, err := mirrorJSON.Marshal(q)
		if err != nil {
			return
		}
		m.set(ctx, "price:"+q.Exchange+":"+q.Pair, b, 0)
	})
}

func (m *Mirror) enqueueOpportunity(opp model.Opportunity) {
	m.submit(func(ctx context.Context) {
		b, err := mirrorJSON.Marshal(opp)
		if err != nil {
			return
		}
		m.set(ctx, "opportunity:"+opp.Fingerprint, b, 5*time.Minute)
	})
}

func (m *Mirror) enqueueBest(best *model.Opportunity) {
	m.submit(func(ctx context.Context) {
		if best == nil {
			m.del(ctx, "best_opportunity")
			return
		}
		b, err := mirrorJSON.Marshal(best)
		if err != nil {
			return
		}
		m.set(ctx, "best_opportunity", b, 0)
	})
}

func (m *Mirror) submit(job func(context.Context)) {
	select {
	case m.queue <- job:
	default:
		metrics.RedisMirrorErrors.Inc()
	}
}

func (m *Mirror) set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := m.client.Set(wctx, key, val, ttl).Err(); err != nil {
		metrics.RedisMirrorErrors.Inc()
		m.log.Warn("redis mirror write failed", logging.Err(err), logging.String("key", key))
	}
}

func (m *Mirror) del(ctx context.Context, key string) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := m.client.Del(wctx, key).Err(); err != nil {
		metrics.RedisMirrorErrors.Inc()
		m.log.Warn("redis mirror delete failed", logging.Err(err), logging.String("key", key))
	}
}

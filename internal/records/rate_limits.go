package records

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/maruel/ksid"
	"golang.org/x/time/rate"

	"github.com/maruel/pailstore/internal/kv"
)

// RateLimit caps the request rate of a subject, in requests per second.
// A rate of 0 blocks the subject.
type RateLimit struct {
	ID         ksid.ID   `cbor:"id"`
	Subject    string    `cbor:"subject"`
	Rate       float64   `cbor:"rate"`
	InsertedAt time.Time `cbor:"insertedAt"`
}

// RateLimits stores rate limits by ID, indexed by subject, and enforces them.
type RateLimits struct {
	p *kv.Partition[RateLimit]

	// mu serializes the lookup and replacement of a subject's bucket.
	mu      sync.Mutex
	buckets *lru.Cache
}

// maxBuckets bounds the number of subjects with an in-memory token bucket.
// An evicted subject starts over with a full bucket.
const maxBuckets = 4096

type bucket struct {
	rate    float64
	limiter *rate.Limiter
}

// NewRateLimits returns the rate limit store of db.
func NewRateLimits(db *kv.DB) *RateLimits {
	buckets, err := lru.New(maxBuckets)
	if err != nil {
		panic(err)
	}
	return &RateLimits{
		p:       kv.NewPartition[RateLimit](db, "rate-limit/"),
		buckets: buckets,
	}
}

// Add records a rate limit for subject and returns its ID.
func (r *RateLimits) Add(ctx context.Context, subject string, rps float64) (ksid.ID, error) {
	if rps < 0 || math.IsNaN(rps) {
		return 0, fmt.Errorf("invalid rate %v", rps)
	}
	rec := RateLimit{ID: ksid.NewID(), Subject: subject, Rate: rps, InsertedAt: now()}
	err := r.p.Transact(ctx, func(s kv.Store[RateLimit]) error {
		if err := s.Put(ctx, dataKey(rec.ID.String()), rec); err != nil {
			return err
		}
		return s.Put(ctx, indexKey(subject, rec.ID.String()), rec)
	})
	if err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// List returns the rate limits of subject, oldest first.
func (r *RateLimits) List(ctx context.Context, subject string) ([]RateLimit, error) {
	return kv.Do(ctx, r.p, func(s kv.Store[RateLimit]) ([]RateLimit, error) {
		var out []RateLimit
		for e, err := range s.Entries(ctx, kv.EntriesOptions{Prefix: indexKey(subject) + "/"}) {
			if err != nil {
				return nil, err
			}
			out = append(out, e.Value)
		}
		return out, nil
	})
}

// Remove deletes the rate limit id. The subject's token bucket is reset.
func (r *RateLimits) Remove(ctx context.Context, id ksid.ID) error {
	var subject string
	err := r.p.Transact(ctx, func(s kv.Store[RateLimit]) error {
		key := dataKey(id.String())
		rec, ok, err := s.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return ErrRecordNotFound
		}
		if err := s.Del(ctx, key); err != nil {
			return err
		}
		subject = rec.Subject
		return s.Del(ctx, indexKey(rec.Subject, id.String()))
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.buckets.Remove(subject)
	r.mu.Unlock()
	return nil
}

// Allow reports whether subject may make one more request now.
//
// The strictest stored limit applies, enforced with a token bucket holding
// one second of requests. A subject without limits is always allowed.
func (r *RateLimits) Allow(ctx context.Context, subject string) (bool, error) {
	limits, err := r.List(ctx, subject)
	if err != nil {
		return false, err
	}
	if len(limits) == 0 {
		return true, nil
	}
	rps := math.Inf(1)
	for _, l := range limits {
		rps = min(rps, l.Rate)
	}
	if rps == 0 {
		return false, nil
	}
	r.mu.Lock()
	var b *bucket
	if v, ok := r.buckets.Get(subject); ok {
		b = v.(*bucket)
	}
	if b == nil || b.rate != rps {
		b = &bucket{rate: rps, limiter: rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))}
		r.buckets.Add(subject, b)
	}
	r.mu.Unlock()
	return b.limiter.Allow(), nil
}

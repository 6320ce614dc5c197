package records

import (
	"context"
	"time"

	"github.com/maruel/pailstore/internal/block"
	"github.com/maruel/pailstore/internal/kv"
)

// Consumer records a space provisioned with a provider for a customer.
type Consumer struct {
	Consumer     string     `cbor:"consumer"`
	Customer     string     `cbor:"customer"`
	Provider     string     `cbor:"provider"`
	Subscription string     `cbor:"subscription"`
	Cause        block.Link `cbor:"cause"`
	InsertedAt   time.Time  `cbor:"insertedAt"`
}

// Subscription groups the consumers a customer pays for under one
// subscription.
type Subscription struct {
	ID        string
	Provider  string
	Consumers []string
}

// Subscriptions stores consumers by subscription and provider, indexed by
// consumer and by customer.
type Subscriptions struct {
	p *kv.Partition[Consumer]
}

// NewSubscriptions returns the subscription store of db.
func NewSubscriptions(db *kv.DB) *Subscriptions {
	return &Subscriptions{p: kv.NewPartition[Consumer](db, "consumer/")}
}

// SubscriptionID returns the subscription ID of a consumer space. It is
// derived from the space alone, so a space is provisioned at most once per
// provider.
func SubscriptionID(consumer string) (string, error) {
	b, err := block.Encode(block.CBOR, map[string]string{"consumer": consumer})
	if err != nil {
		return "", err
	}
	return b.Link.String(), nil
}

// Provision subscribes c.Consumer to c.Provider on behalf of c.Customer and
// returns the subscription ID. It fails with ErrRecordKeyConflict if the
// space is already provisioned with the provider.
func (t *Subscriptions) Provision(ctx context.Context, c Consumer) (string, error) {
	id, err := SubscriptionID(c.Consumer)
	if err != nil {
		return "", err
	}
	err = t.p.Transact(ctx, func(s kv.Store[Consumer]) error {
		key := dataKey(id, c.Provider)
		ok, err := s.Has(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			return ErrRecordKeyConflict
		}
		rec := c
		rec.Subscription = id
		rec.InsertedAt = now()
		for _, k := range []string{
			key,
			indexKey("co", c.Consumer, c.Provider),
			indexKey("cu", c.Customer, c.Provider, id),
		} {
			if err := s.Put(ctx, k, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Get returns the consumer of subscription id with provider.
func (t *Subscriptions) Get(ctx context.Context, provider, id string) (*Consumer, error) {
	rec, err := kv.Do(ctx, t.p, func(s kv.Store[Consumer]) (Consumer, error) {
		rec, ok, err := s.Get(ctx, dataKey(id, provider))
		if err == nil && !ok {
			err = ErrRecordNotFound
		}
		return rec, err
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Providers returns the providers the consumer space is provisioned with.
func (t *Subscriptions) Providers(ctx context.Context, consumer string) ([]string, error) {
	return kv.Do(ctx, t.p, func(s kv.Store[Consumer]) ([]string, error) {
		var out []string
		for e, err := range s.Entries(ctx, kv.EntriesOptions{Prefix: indexKey("co", consumer) + "/"}) {
			if err != nil {
				return nil, err
			}
			out = append(out, e.Value.Provider)
		}
		return out, nil
	})
}

// List returns the subscriptions of customer, ordered by provider then ID.
func (t *Subscriptions) List(ctx context.Context, customer string) ([]Subscription, error) {
	return kv.Do(ctx, t.p, func(s kv.Store[Consumer]) ([]Subscription, error) {
		var out []Subscription
		seen := map[string]int{}
		for e, err := range s.Entries(ctx, kv.EntriesOptions{Prefix: indexKey("cu", customer) + "/"}) {
			if err != nil {
				return nil, err
			}
			c := e.Value
			i, ok := seen[c.Subscription]
			if !ok {
				i = len(out)
				seen[c.Subscription] = i
				out = append(out, Subscription{ID: c.Subscription, Provider: c.Provider})
			}
			out[i].Consumers = append(out[i].Consumers, c.Consumer)
		}
		return out, nil
	})
}

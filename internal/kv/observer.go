package kv

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ipfs/go-cid"
)

// Commit describes a committed transaction that changed the root.
type Commit struct {
	Root     cid.Cid
	Previous cid.Cid
	// Puts and Dels are the full keys written and deleted, in call order.
	Puts []string
	Dels []string
	// Additions are the blocks written by the commit, Removals the blocks it
	// deleted or tried to delete.
	Additions []cid.Cid
	Removals  []cid.Cid
}

// Observer is notified after each commit.
//
// OnCommit is called from a single goroutine, in commit order, once the
// commit is durable. A slow observer delays later commits once enough
// notifications are pending.
type Observer interface {
	OnCommit(ctx context.Context, c Commit)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, c Commit)

// OnCommit implements Observer.
func (f ObserverFunc) OnCommit(ctx context.Context, c Commit) {
	f(ctx, c)
}

// AddObserver registers o for future commits.
func (db *DB) AddObserver(o Observer) {
	db.obs.mu.Lock()
	db.obs.list = append(db.obs.list, o)
	db.obs.mu.Unlock()
}

type event struct {
	ctx context.Context
	c   Commit
}

// observers dispatches commits on their own goroutine so a slow observer
// never holds the transaction queue beyond the channel capacity.
type observers struct {
	mu   sync.Mutex
	list []Observer

	events chan event
	done   chan struct{}
}

func (o *observers) start() {
	o.events = make(chan event, 64)
	o.done = make(chan struct{})
	go func() {
		defer close(o.done)
		for e := range o.events {
			o.mu.Lock()
			list := o.list
			o.mu.Unlock()
			for _, obs := range list {
				o.notify(e, obs)
			}
		}
	}()
}

func (o *observers) notify(e event, obs Observer) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(e.ctx, "Commit observer panicked", "root", e.c.Root, "err", r)
		}
	}()
	obs.OnCommit(e.ctx, e.c)
}

func (o *observers) publish(ctx context.Context, c Commit) {
	o.mu.Lock()
	n := len(o.list)
	o.mu.Unlock()
	if n == 0 {
		return
	}
	o.events <- event{ctx: ctx, c: c}
}

// stop waits for pending notifications. No publish may follow.
func (o *observers) stop() {
	close(o.events)
	<-o.done
}

// Package records implements the per-entity stores built on a kv.DB.
//
// Each store owns a partition. Records are kept under a primary key
// "d/<...>" and, where lookups go the other way, a copy under an index key
// "i/<...>". Both are written in the same transaction.
package records

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/maruel/pailstore/internal/kv"
)

var (
	// ErrRecordNotFound is returned when the addressed record does not exist.
	ErrRecordNotFound = errors.New("record not found")
	// ErrRecordKeyConflict is returned when inserting a record that exists.
	ErrRecordKeyConflict = errors.New("record key conflict")
)

// DefaultPageSize is the page size used when ListOptions.Size is 0.
const DefaultPageSize = 20

// ListOptions pages through a listing.
type ListOptions struct {
	// Size is the maximum number of results.
	Size int
	// Cursor resumes after the item it names, as returned in Page.Cursor.
	Cursor string
}

// Page is one page of a listing.
type Page[T any] struct {
	Results []T
	// Before is the first item of the page.
	Before string
	// Cursor is the last item of the page, set only when more results follow.
	Cursor string
}

// SpaceInsertion reports a space holding an item.
type SpaceInsertion struct {
	Space      string
	InsertedAt time.Time
}

func now() time.Time {
	return time.Now().UTC()
}

func dataKey(parts ...string) string {
	return "d/" + strings.Join(parts, "/")
}

func indexKey(parts ...string) string {
	return "i/" + strings.Join(parts, "/")
}

// list reads one page of the records under prefix, keyed relative to it.
func list[T any](ctx context.Context, s kv.Store[T], prefix string, opts ListOptions) (Page[T], error) {
	size := opts.Size
	if size <= 0 {
		size = DefaultPageSize
	}
	eo := kv.EntriesOptions{Prefix: prefix}
	if opts.Cursor != "" {
		eo.GT = prefix + opts.Cursor
	}
	var p Page[T]
	var last string
	for e, err := range s.Entries(ctx, eo) {
		if err != nil {
			return Page[T]{}, err
		}
		if len(p.Results) == size {
			p.Cursor = last
			break
		}
		if p.Before == "" {
			p.Before = e.Key[len(prefix):]
		}
		last = e.Key[len(prefix):]
		p.Results = append(p.Results, e.Value)
	}
	return p, nil
}

// inspect lists the spaces holding item through the index.
func inspect[T any](ctx context.Context, s kv.Store[T], item string, conv func(T) SpaceInsertion) ([]SpaceInsertion, error) {
	var out []SpaceInsertion
	for e, err := range s.Entries(ctx, kv.EntriesOptions{Prefix: indexKey(item) + "/"}) {
		if err != nil {
			return nil, err
		}
		out = append(out, conv(e.Value))
	}
	return out, nil
}

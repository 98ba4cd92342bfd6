package vnode

import "context"

// Journal persists lifecycle events.
type Journal interface {
	Record(ctx context.Context, e Event) error
	Events(ctx context.Context, vnode string, limit int) ([]Event, error)
	Close() error
}

// NopJournal discards events.
type NopJournal struct{}

func (NopJournal) Record(context.Context, Event) error { return nil }

func (NopJournal) Events(context.Context, string, int) ([]Event, error) { return nil, nil }

func (NopJournal) Close() error { return nil }

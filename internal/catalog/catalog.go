// Package catalog is the read side of the portal: it lists the browsable
// tables and returns pages of their rows.
package catalog

import (
	"context"
	"fmt"
	"time"

	"labportal/internal/core"
	"labportal/pkg/domain"
)

// Operation is the metrics and tracing name of a browse call.
const Operation = "browse"

// ErrUnknownTable is returned for names outside the allow-list.
var ErrUnknownTable = domain.ErrUnknownTable

// Catalog reads tables through a persistent store.
type Catalog struct {
	store        domain.PersistentStore
	metrics      core.MetricsRecorder
	defaultLimit int
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithMetrics sets the metrics recorder.
func WithMetrics(m core.MetricsRecorder) Option {
	return func(c *Catalog) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithDefaultLimit sets the row cap used when callers pass a non-positive limit.
func WithDefaultLimit(n int) Option {
	return func(c *Catalog) {
		if n > 0 {
			c.defaultLimit = n
		}
	}
}

// New returns a Catalog over store.
func New(store domain.PersistentStore, opts ...Option) *Catalog {
	c := &Catalog{store: store, metrics: core.NoopMetrics(), defaultLimit: domain.DefaultBrowseLimit}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tables returns the browsable table names in display order.
func (c *Catalog) Tables() []domain.Table {
	out := make([]domain.Table, len(domain.Tables))
	copy(out, domain.Tables)
	return out
}

// Browse returns up to limit rows of the named table, newest first.
func (c *Catalog) Browse(ctx context.Context, name string, limit int) (view domain.TableView, err error) {
	start := time.Now()
	defer func() { c.metrics.Observe(ctx, Operation, err == nil, time.Since(start)) }()

	table, ok := domain.ParseTable(name)
	if !ok {
		return domain.TableView{}, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	if limit <= 0 {
		limit = c.defaultLimit
	}
	view, err = c.store.Browse(ctx, table, limit)
	if err != nil {
		return domain.TableView{}, fmt.Errorf("browse %s: %w", table, err)
	}
	return view, nil
}

package store

import (
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// TableGuard single-flights table creation across concurrent callers on
// one backend instance: concurrent callers racing EnsureTables coalesce
// onto one in-flight DDL attempt via golang.org/x/sync/singleflight,
// rather than firing duplicate CREATE TABLE statements. Once an attempt
// succeeds, later calls short-circuit immediately; a failed attempt does
// not latch, since a transient connection failure should not permanently
// wedge EnsureTables for the lifetime of the process — the next caller
// (concurrent or serial) tries again, cheaply, because the DDL itself is
// "IF NOT EXISTS" idempotent.
//
// This is the in-process analogue of an OS-level write lock guarding a
// shared file: table creation is idempotent DDL, not a cross-process
// mutation, so a process-local latch is sufficient — cross-instance
// safety for table creation comes from "IF NOT EXISTS," not from this
// guard. The zero value is ready to use, matching singleflight.Group's
// own zero-value contract.
type TableGuard struct {
	group singleflight.Group
	done  atomic.Bool
}

// Do runs fn, coalescing concurrent callers onto a single DDL attempt
// and skipping the call entirely once a prior call has already succeeded.
func (g *TableGuard) Do(fn func() error) error {
	if g.done.Load() {
		return nil
	}
	_, err, _ := g.group.Do("ensure-tables", func() (any, error) {
		if g.done.Load() {
			return nil, nil
		}
		if err := fn(); err != nil {
			return nil, err
		}
		g.done.Store(true)
		return nil, nil
	})
	return err
}

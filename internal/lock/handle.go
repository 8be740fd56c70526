package lock

import "context"

// Hook is a transition callback. from and to are the levels on either
// side of the transition being performed.
type Hook func(ctx context.Context, from, to Level) error

// Handle tracks one file handle's lock level and runs registered
// callbacks around every transition. Hooks of a phase run in
// registration order and the first error stops that phase. A failed
// transition leaves the level where it was: an acquisition is backed
// out, a release is abandoned before the level drops, so the caller can
// release again and the pre-release work gets another chance.
type Handle struct {
	table *Table
	name  string
	owner string
	level Level

	preAcquire  []Hook
	postAcquire []Hook
	preRelease  []Hook
	postRelease []Hook
}

func NewHandle(table *Table, name, owner string) *Handle {
	return &Handle{table: table, name: name, owner: owner, level: LevelNone}
}

func (h *Handle) Level() Level {
	return h.level
}

func (h *Handle) OnPreAcquire(fn Hook)  { h.preAcquire = append(h.preAcquire, fn) }
func (h *Handle) OnPostAcquire(fn Hook) { h.postAcquire = append(h.postAcquire, fn) }
func (h *Handle) OnPreRelease(fn Hook)  { h.preRelease = append(h.preRelease, fn) }
func (h *Handle) OnPostRelease(fn Hook) { h.postRelease = append(h.postRelease, fn) }

func (h *Handle) Acquire(ctx context.Context, to Level) error {
	if to <= h.level {
		return nil
	}
	from := h.level

	if err := runHooks(ctx, h.preAcquire, from, to); err != nil {
		return err
	}
	h.table.acquire(h.name, h.owner, to)
	h.level = to

	if err := runHooks(ctx, h.postAcquire, from, to); err != nil {
		h.table.release(h.name, h.owner, from)
		h.level = from
		return err
	}
	return nil
}

func (h *Handle) Release(ctx context.Context, to Level) error {
	if to >= h.level {
		return nil
	}
	from := h.level

	if err := runHooks(ctx, h.preRelease, from, to); err != nil {
		return err
	}
	h.table.release(h.name, h.owner, to)
	h.level = to
	return runHooks(ctx, h.postRelease, from, to)
}

func runHooks(ctx context.Context, hooks []Hook, from, to Level) error {
	for _, fn := range hooks {
		if err := fn(ctx, from, to); err != nil {
			return err
		}
	}
	return nil
}

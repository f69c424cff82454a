package orchestrator

import (
	"context"
	"sort"
	"sync"
)

// tankLocks hands out one exclusive section per tank. Each section is a
// one-slot channel so that waiting can be bounded by a context.
type tankLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newTankLocks() *tankLocks {
	return &tankLocks{slots: make(map[string]chan struct{})}
}

func (l *tankLocks) slot(id string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[id] = ch
	}
	return ch
}

// tryLock takes every free tank among ids and reports the ones it got and
// the ones that were busy.
func (l *tankLocks) tryLock(ids []string) (held, busy []string) {
	for _, id := range sortedCopy(ids) {
		select {
		case l.slot(id) <- struct{}{}:
			held = append(held, id)
		default:
			busy = append(busy, id)
		}
	}
	return held, busy
}

// lock waits for every tank in ids, in sorted order, until ctx ends. On
// failure nothing stays held.
func (l *tankLocks) lock(ctx context.Context, ids []string) ([]string, error) {
	var held []string
	for _, id := range sortedCopy(ids) {
		select {
		case l.slot(id) <- struct{}{}:
			held = append(held, id)
		case <-ctx.Done():
			l.unlock(held)
			return nil, ctx.Err()
		}
	}
	return held, nil
}

func (l *tankLocks) unlock(ids []string) {
	for _, id := range ids {
		<-l.slot(id)
	}
}

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	// Drop duplicates so a tank is never locked twice by one caller.
	n := 0
	for i, id := range out {
		if i > 0 && id == out[n-1] {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}

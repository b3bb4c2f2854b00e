package coral

import (
	"context"
	"sort"
	"sync"
)

// ============================================================================
// QueryState
// ============================================================================

// QuerySnapshot is an immutable view of a channel-list query's result.
// Channels are in query order; CIDs is the same order by id.
type QuerySnapshot struct {
	Spec     QuerySpec
	CIDs     []string
	Channels []Channel
}

// QueryObserver receives a snapshot whenever the query result changes.
type QueryObserver func(QuerySnapshot)

// QueryState is the in-memory reactive aggregate of one channel-list query.
// It tracks every channel matching the spec's filter and recomputes the
// ordering whenever a sort key or filter-relevant field changes, or a new
// channel matches. Ties on equal sort keys break by channel id, so the order
// is stable.
type QueryState struct {
	spec    QuerySpec
	persist *persister

	mu        sync.Mutex
	channels  map[string]*Channel
	lastOrder []string
	observers map[int]QueryObserver
	nextObs   int
}

func newQueryState(spec QuerySpec, persist *persister) *QueryState {
	return &QueryState{
		spec:      spec,
		persist:   persist,
		channels:  make(map[string]*Channel),
		observers: make(map[int]QueryObserver),
	}
}

// Spec returns the query specification.
func (q *QueryState) Spec() QuerySpec { return q.spec }

// Subscribe registers an observer and returns its cancel func.
func (q *QueryState) Subscribe(fn QueryObserver) (cancel func()) {
	q.mu.Lock()
	id := q.nextObs
	q.nextObs++
	q.observers[id] = fn
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.observers, id)
		q.mu.Unlock()
	}
}

// Snapshot returns the current ordered result.
func (q *QueryState) Snapshot() QuerySnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *QueryState) snapshotLocked() QuerySnapshot {
	order := q.orderLocked()
	snap := QuerySnapshot{Spec: q.spec, CIDs: order}
	for _, cid := range order {
		snap.Channels = append(snap.Channels, *q.channels[cid])
	}
	return snap
}

// orderLocked computes the ordered cid list under the spec's sort.
func (q *QueryState) orderLocked() []string {
	list := make([]*Channel, 0, len(q.channels))
	for _, ch := range q.channels {
		list = append(list, ch)
	}
	sort.Slice(list, func(i, j int) bool {
		for _, s := range q.spec.Sort {
			if c := compareField(list[i], list[j], s); c != 0 {
				return c < 0
			}
		}
		return list[i].CID < list[j].CID
	})
	if q.spec.Limit > 0 && len(list) > q.spec.Limit {
		list = list[:q.spec.Limit]
	}
	cids := make([]string, len(list))
	for i, ch := range list {
		cids[i] = ch.CID
	}
	return cids
}

// Reset replaces the tracked set with a fresh server result.
func (q *QueryState) Reset(channels []*Channel) {
	q.mu.Lock()
	q.channels = make(map[string]*Channel, len(channels))
	for _, ch := range channels {
		if !q.spec.Matches(ch) {
			continue
		}
		cp := *ch
		q.channels[ch.CID] = &cp
		q.persist.putChannels(&cp)
	}
	q.lastOrder = q.orderLocked()
	q.persist.putQueryResult(q.spec.Key(), q.lastOrder)
	q.notifyLocked()
	q.mu.Unlock()
}

// ApplyEvent merges a realtime event into the tracked set. The observers are
// notified only when the result actually changes; reapplying the same event
// converges to the same state.
func (q *QueryState) ApplyEvent(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	changed := false
	switch ev.Type {
	case EventChannelNew, EventChannelUpdated:
		if ev.Channel == nil {
			return
		}
		if tracked, ok := q.channels[ev.Channel.CID]; ok {
			if ev.Timestamp.Before(tracked.UpdatedAt) {
				return
			}
			if !q.spec.Matches(ev.Channel) {
				delete(q.channels, ev.Channel.CID)
				changed = true
				break
			}
			cp := *ev.Channel
			if cp.UpdatedAt.IsZero() {
				cp.UpdatedAt = ev.Timestamp
			}
			q.channels[cp.CID] = &cp
			changed = true
		} else if q.spec.Matches(ev.Channel) {
			cp := *ev.Channel
			if cp.UpdatedAt.IsZero() {
				cp.UpdatedAt = ev.Timestamp
			}
			q.channels[cp.CID] = &cp
			changed = true
		}

	case EventChannelDeleted:
		cid := ev.CID
		if ev.Channel != nil {
			cid = ev.Channel.CID
		}
		if _, ok := q.channels[cid]; ok {
			delete(q.channels, cid)
			changed = true
		}

	case EventMessageNew:
		// New messages move last_message_at, a common sort key.
		if ev.Message == nil {
			return
		}
		tracked, ok := q.channels[ev.Message.CID]
		if !ok {
			return
		}
		if ev.Message.CreatedAt.After(tracked.LastMessageAt) {
			tracked.LastMessageAt = ev.Message.CreatedAt
			changed = true
		}

	default:
		return
	}

	order := q.orderLocked()
	if !changed && equalOrder(order, q.lastOrder) {
		return
	}
	q.lastOrder = order
	q.persist.putQueryResult(q.spec.Key(), order)
	q.notifyLocked()
}

// hydrate loads the cached result set, best-effort, before the first server
// response arrives.
func (q *QueryState) hydrate(ctx context.Context, cache Cache) {
	if cache == nil {
		return
	}
	cids, err := cache.QueryResult(ctx, q.spec.Key())
	if err != nil {
		return
	}
	var channels []*Channel
	for _, cid := range cids {
		ch, err := cache.Channel(ctx, cid)
		if err != nil {
			continue
		}
		channels = append(channels, ch)
	}

	q.mu.Lock()
	for _, ch := range channels {
		if _, ok := q.channels[ch.CID]; !ok {
			cp := *ch
			q.channels[cp.CID] = &cp
		}
	}
	q.lastOrder = q.orderLocked()
	q.notifyLocked()
	q.mu.Unlock()
}

// notifyLocked snapshots under the lock, releases it, and invokes observers
// synchronously.
func (q *QueryState) notifyLocked() {
	snap := q.snapshotLocked()
	obs := make([]QueryObserver, 0, len(q.observers))
	for _, fn := range q.observers {
		obs = append(obs, fn)
	}
	q.mu.Unlock()
	for _, fn := range obs {
		fn(snap)
	}
	q.mu.Lock()
}

func equalOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

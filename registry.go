package coral

import (
	"context"
	"sync"
)

// ============================================================================
// State registry
// ============================================================================

// StateRegistry owns the active ChannelState and QueryState instances. Each
// acquisition is reference counted; a state is dropped when its last handle
// is released, so lifecycle follows subscription count instead of ambient
// globals.
type StateRegistry struct {
	transport Transport
	cache     Cache
	persist   *persister
	retry     RetryPolicy
	errs      errorSink
	userID    func() string

	mu       sync.Mutex
	channels map[string]*channelEntry
	queries  map[string]*queryEntry
}

type channelEntry struct {
	state *ChannelState
	refs  int
}

type queryEntry struct {
	state *QueryState
	refs  int
}

func newStateRegistry(transport Transport, cache Cache, persist *persister, retry RetryPolicy, errs errorSink, userID func() string) *StateRegistry {
	return &StateRegistry{
		transport: transport,
		cache:     cache,
		persist:   persist,
		retry:     retry,
		errs:      errs,
		userID:    userID,
		channels:  make(map[string]*channelEntry),
		queries:   make(map[string]*queryEntry),
	}
}

// AcquireChannel returns the shared ChannelState for cid, creating and
// hydrating it on first acquisition. The returned release func drops the
// reference; it is safe to call more than once.
func (r *StateRegistry) AcquireChannel(ctx context.Context, cid string) (*ChannelState, func(), error) {
	if _, _, err := SplitCID(cid); err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	entry, ok := r.channels[cid]
	if !ok {
		entry = &channelEntry{
			state: newChannelState(cid, r.transport, r.persist, r.retry, r.errs, r.userID()),
		}
		r.channels[cid] = entry
	}
	entry.refs++
	r.mu.Unlock()

	if !ok {
		entry.state.hydrate(ctx, r.cache)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			entry.refs--
			if entry.refs <= 0 {
				delete(r.channels, cid)
			}
		})
	}
	return entry.state, release, nil
}

// AcquireQuery returns the shared QueryState for the spec (keyed by its
// canonical form), creating and hydrating it on first acquisition.
func (r *StateRegistry) AcquireQuery(ctx context.Context, spec QuerySpec) (*QueryState, func(), error) {
	key := spec.Key()

	r.mu.Lock()
	entry, ok := r.queries[key]
	if !ok {
		entry = &queryEntry{state: newQueryState(spec, r.persist)}
		r.queries[key] = entry
	}
	entry.refs++
	r.mu.Unlock()

	if !ok {
		entry.state.hydrate(ctx, r.cache)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			entry.refs--
			if entry.refs <= 0 {
				delete(r.queries, key)
			}
		})
	}
	return entry.state, release, nil
}

// ActiveChannels returns the currently held channel states.
func (r *StateRegistry) ActiveChannels() []*ChannelState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ChannelState, 0, len(r.channels))
	for _, e := range r.channels {
		out = append(out, e.state)
	}
	return out
}

// ActiveQueries returns the currently held query states.
func (r *StateRegistry) ActiveQueries() []*QueryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*QueryState, 0, len(r.queries))
	for _, e := range r.queries {
		out = append(out, e.state)
	}
	return out
}

// ActiveCIDs returns the cids of all held channel states.
func (r *StateRegistry) ActiveCIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels))
	for cid := range r.channels {
		out = append(out, cid)
	}
	return out
}

// Broadcast routes one event to every interested state: the channel state
// matching the event's cid, presence events to every channel, and all query
// states.
func (r *StateRegistry) Broadcast(ev Event) {
	r.mu.Lock()
	var targets []*ChannelState
	if ev.Type == EventUserPresence {
		for _, e := range r.channels {
			targets = append(targets, e.state)
		}
	} else if ev.CID != "" {
		if e, ok := r.channels[ev.CID]; ok {
			targets = append(targets, e.state)
		}
	}
	queries := make([]*QueryState, 0, len(r.queries))
	for _, e := range r.queries {
		queries = append(queries, e.state)
	}
	r.mu.Unlock()

	for _, ch := range targets {
		ch.ApplyEvent(ev)
	}
	for _, q := range queries {
		q.ApplyEvent(ev)
	}
}

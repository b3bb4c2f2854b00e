package coral

import (
	"context"
	"sync"
	"time"
)

// DefaultRetention is how far back the server is assumed to retain events
// for replay. Delta windows wider than this fall back to a full refetch.
const DefaultRetention = 24 * time.Hour

// ============================================================================
// Sync coordinator
// ============================================================================

// SyncCoordinator reconciles state after connectivity loss. On transition to
// connected it computes the delta window since the last disconnect, replays
// the missed events in timestamp order into every active state, and falls
// back to a full refetch when the window exceeds the server's retained
// history. Reconnects are coalesced: a newer connection cancels an in-flight
// sync and starts a fresh one, so at most one sync runs at a time.
type SyncCoordinator struct {
	transport Transport
	registry  *StateRegistry
	retention time.Duration
	errs      errorSink
	clock     func() time.Time

	mu             sync.Mutex
	cancel         context.CancelFunc
	lastDisconnect time.Time
	running        sync.WaitGroup
}

func newSyncCoordinator(transport Transport, registry *StateRegistry, retention time.Duration, errs errorSink) *SyncCoordinator {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &SyncCoordinator{
		transport: transport,
		registry:  registry,
		retention: retention,
		errs:      errs,
		clock:     time.Now,
	}
}

// HandleConnection consumes connection-state events. Disconnects record the
// start of the delta window; connects start a sync.
func (s *SyncCoordinator) HandleConnection(ev Event) {
	if ev.Type != EventConnectionChanged || ev.Connection == nil {
		return
	}

	s.mu.Lock()
	if !ev.Connection.Online {
		if s.lastDisconnect.IsZero() {
			at := ev.Connection.Since
			if at.IsZero() {
				at = s.clock()
			}
			s.lastDisconnect = at
		}
		if s.cancel != nil {
			// No point finishing a sync against a dead connection.
			s.cancel()
			s.cancel = nil
		}
		s.mu.Unlock()
		return
	}

	// Newer connection supersedes any in-flight sync.
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	since := s.lastDisconnect
	s.lastDisconnect = time.Time{}
	s.running.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.running.Done()
		defer func() {
			s.mu.Lock()
			if s.cancel != nil {
				// Only clear our own cancel; a superseding sync owns it now.
				select {
				case <-ctx.Done():
				default:
					s.cancel = nil
				}
			}
			s.mu.Unlock()
			cancel()
		}()
		s.syncOnce(ctx, since)
	}()
}

// syncOnce performs one reconciliation pass for the window [since, now).
func (s *SyncCoordinator) syncOnce(ctx context.Context, since time.Time) {
	window := s.clock().Sub(since)
	if since.IsZero() || window > s.retention {
		s.refetch(ctx)
	} else {
		s.replay(ctx, since)
	}
	if ctx.Err() != nil {
		return
	}
	// Sends that died while offline get another pass now that the
	// connection is back.
	for _, ch := range s.registry.ActiveChannels() {
		ch.resendFailed()
	}
}

// replay fetches and applies missed events oldest-first.
func (s *SyncCoordinator) replay(ctx context.Context, since time.Time) {
	cids := s.registry.ActiveCIDs()
	if len(cids) == 0 && len(s.registry.ActiveQueries()) == 0 {
		return
	}

	events, err := s.transport.MissedEvents(ctx, cids, since)
	if err != nil {
		if ctx.Err() == nil {
			s.errs.report("sync", "", err)
		}
		return
	}

	sortEventsByTime(events)
	for _, ev := range events {
		if ctx.Err() != nil {
			return
		}
		s.registry.Broadcast(ev)
	}
}

// refetch re-queries every active query and re-pages every active channel,
// replacing confirmed state wholesale while keeping optimistic locals.
func (s *SyncCoordinator) refetch(ctx context.Context) {
	for _, q := range s.registry.ActiveQueries() {
		if ctx.Err() != nil {
			return
		}
		channels, err := s.transport.QueryChannels(ctx, q.Spec())
		if err != nil {
			if ctx.Err() == nil {
				s.errs.report("sync", "", err)
			}
			continue
		}
		q.Reset(channels)
	}

	for _, ch := range s.registry.ActiveChannels() {
		if ctx.Err() != nil {
			return
		}
		page, err := s.transport.GetChannel(ctx, ch.CID())
		if err != nil {
			if ctx.Err() == nil {
				s.errs.report("sync", ch.CID(), err)
			}
			continue
		}
		ch.applyPage(page)
	}
}

// wait blocks until in-flight syncs finish.
func (s *SyncCoordinator) wait() { s.running.Wait() }

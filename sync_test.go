package coral

import (
	"context"
	"sync"
	"testing"
	"time"
)

func connEvent(online bool, since time.Time) Event {
	return Event{
		Type:       EventConnectionChanged,
		Timestamp:  since,
		Connection: &ConnectionState{Online: online, Since: since},
	}
}

func testRegistry(t *testing.T, ft *fakeTransport) (*StateRegistry, *ChannelState) {
	t.Helper()
	reg := newStateRegistry(ft, nil, nil, NoRetries{}, nil, func() string { return "me" })
	state, _, err := reg.AcquireChannel(context.Background(), "messaging:general")
	if err != nil {
		t.Fatalf("AcquireChannel: %v", err)
	}
	return reg, state
}

func TestReplayMissedEventsInOrder(t *testing.T) {
	base := time.Now()
	var gotSince time.Time
	var gotCIDs []string
	ft := &fakeTransport{}
	ft.missedFn = func(_ context.Context, cids []string, since time.Time) ([]Event, error) {
		gotSince, gotCIDs = since, cids
		// Delivered newest-first; replay must reorder.
		return []Event{
			msgEvent("ev-2", "m2", "alice", "second", base.Add(-time.Minute)),
			msgEvent("ev-1", "m1", "alice", "first", base.Add(-2*time.Minute)),
		}, nil
	}
	reg, state := testRegistry(t, ft)
	coord := newSyncCoordinator(ft, reg, DefaultRetention, nil)

	disconnectAt := base.Add(-10 * time.Minute)
	coord.HandleConnection(connEvent(false, disconnectAt))
	coord.HandleConnection(connEvent(true, base))
	coord.wait()

	if !gotSince.Equal(disconnectAt) {
		t.Errorf("replay window starts at %v, want %v", gotSince, disconnectAt)
	}
	if len(gotCIDs) != 1 || gotCIDs[0] != "messaging:general" {
		t.Errorf("unexpected cids: %v", gotCIDs)
	}

	snap := state.Snapshot()
	if len(snap.Messages) != 2 {
		t.Fatalf("expected 2 replayed messages, got %d", len(snap.Messages))
	}
	if snap.Messages[0].ID != "m1" || snap.Messages[1].ID != "m2" {
		t.Errorf("replay out of order: %s, %s", snap.Messages[0].ID, snap.Messages[1].ID)
	}

	if _, _, missed, query, get := ft.calls(); missed != 1 || query != 0 || get != 0 {
		t.Errorf("expected replay only, got missed=%d query=%d get=%d", missed, query, get)
	}
}

func TestReplayIdempotentAcrossOverlap(t *testing.T) {
	base := time.Now()
	ft := &fakeTransport{}
	ft.missedFn = func(context.Context, []string, time.Time) ([]Event, error) {
		return []Event{msgEvent("ev-1", "m1", "alice", "hi", base.Add(-time.Minute))}, nil
	}
	reg, state := testRegistry(t, ft)
	coord := newSyncCoordinator(ft, reg, DefaultRetention, nil)

	// The live socket already delivered the event before sync replays it.
	reg.Broadcast(msgEvent("ev-1", "m1", "alice", "hi", base.Add(-time.Minute)))

	coord.HandleConnection(connEvent(false, base.Add(-5*time.Minute)))
	coord.HandleConnection(connEvent(true, base))
	coord.wait()

	if snap := state.Snapshot(); len(snap.Messages) != 1 {
		t.Errorf("duplicate replay created %d messages", len(snap.Messages))
	}
}

func TestRefetchWhenWindowExceedsRetention(t *testing.T) {
	base := time.Now()
	ft := &fakeTransport{}
	ft.getFn = func(_ context.Context, cid string) (*ChannelPage, error) {
		return &ChannelPage{
			Channel:  &Channel{CID: cid, Type: "messaging", ID: "general", UpdatedAt: base},
			Messages: []*Message{{ID: "m1", CID: cid, UserID: "alice", Text: "hi", CreatedAt: base.Add(-time.Hour)}},
		}, nil
	}
	reg, state := testRegistry(t, ft)
	coord := newSyncCoordinator(ft, reg, time.Hour, nil)

	coord.HandleConnection(connEvent(false, base.Add(-2*time.Hour)))
	coord.HandleConnection(connEvent(true, base))
	coord.wait()

	if _, _, missed, _, get := ft.calls(); missed != 0 || get != 1 {
		t.Errorf("expected refetch, got missed=%d get=%d", missed, get)
	}
	if snap := state.Snapshot(); len(snap.Messages) != 1 || snap.Messages[0].ID != "m1" {
		t.Errorf("refetch did not replace state: %+v", snap.Messages)
	}
}

func TestFirstConnectRefetches(t *testing.T) {
	ft := &fakeTransport{}
	reg, _ := testRegistry(t, ft)
	coord := newSyncCoordinator(ft, reg, DefaultRetention, nil)

	// No recorded disconnect: there is no replay window to trust.
	coord.HandleConnection(connEvent(true, time.Now()))
	coord.wait()

	if _, _, missed, _, get := ft.calls(); missed != 0 || get != 1 {
		t.Errorf("expected refetch on first connect, got missed=%d get=%d", missed, get)
	}
}

func TestRefetchCoversActiveQueries(t *testing.T) {
	base := time.Now()
	ft := &fakeTransport{}
	ft.queryFn = func(_ context.Context, spec QuerySpec) ([]*Channel, error) {
		return testQueryChannels(base), nil
	}
	reg, _ := testRegistry(t, ft)
	q, _, err := reg.AcquireQuery(context.Background(), QuerySpec{Filter: map[string]any{"type": "messaging"}})
	if err != nil {
		t.Fatalf("AcquireQuery: %v", err)
	}
	coord := newSyncCoordinator(ft, reg, DefaultRetention, nil)

	coord.HandleConnection(connEvent(true, base))
	coord.wait()

	if _, _, _, query, _ := ft.calls(); query != 1 {
		t.Errorf("expected 1 QueryChannels call, got %d", query)
	}
	if snap := q.Snapshot(); len(snap.CIDs) != 2 {
		t.Errorf("query not refreshed: %v", snap.CIDs)
	}
}

func TestReconnectCancelsInFlightSync(t *testing.T) {
	base := time.Now()
	entered := make(chan struct{})
	var firstCtxErr error
	ft := &fakeTransport{}
	var callMu sync.Mutex
	call := 0
	ft.missedFn = func(ctx context.Context, _ []string, _ time.Time) ([]Event, error) {
		callMu.Lock()
		call++
		first := call == 1
		callMu.Unlock()
		if first {
			close(entered)
			<-ctx.Done()
			firstCtxErr = ctx.Err()
			return nil, ctx.Err()
		}
		return []Event{msgEvent("ev-1", "m1", "alice", "hi", base.Add(-time.Minute))}, nil
	}
	rec := &errRecorder{}
	reg, state := testRegistry(t, ft)
	coord := newSyncCoordinator(ft, reg, DefaultRetention, rec.sink())

	coord.HandleConnection(connEvent(false, base.Add(-10*time.Minute)))
	coord.HandleConnection(connEvent(true, base))
	<-entered

	// A newer connection supersedes the stuck sync.
	coord.HandleConnection(connEvent(false, base.Add(-5*time.Minute)))
	coord.HandleConnection(connEvent(true, base))
	coord.wait()

	if firstCtxErr == nil {
		t.Error("first sync was not cancelled")
	}
	if _, _, missed, _, _ := ft.calls(); missed != 2 {
		t.Errorf("expected 2 MissedEvents calls, got %d", missed)
	}
	if snap := state.Snapshot(); len(snap.Messages) != 1 {
		t.Errorf("second sync did not apply: %d messages", len(snap.Messages))
	}
	// Cancellation is not an error worth surfacing.
	for _, op := range rec.ops() {
		if op == "sync" {
			t.Errorf("cancelled sync reported to error stream")
		}
	}
}

func TestSyncResendsFailedMessages(t *testing.T) {
	var offline sync.Mutex
	down := true
	ft := &fakeTransport{}
	ft.sendFn = func(_ context.Context, _ string, msg *Message) (*Message, error) {
		offline.Lock()
		defer offline.Unlock()
		if down {
			return nil, &APIError{Kind: ErrorNetwork, Code: "offline", Message: "offline"}
		}
		sent := msg.clone()
		sent.ID = "srv-1"
		sent.Status = StatusSent
		return sent, nil
	}
	reg, state := testRegistry(t, ft)
	coord := newSyncCoordinator(ft, reg, DefaultRetention, nil)

	base := time.Now()
	coord.HandleConnection(connEvent(false, base.Add(-time.Minute)))
	if _, err := state.SendMessage(context.Background(), MessageDraft{Text: "offline draft"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	state.wait()
	if snap := state.Snapshot(); snap.Messages[0].Status != StatusFailed {
		t.Fatalf("expected failed while offline, got %s", snap.Messages[0].Status)
	}

	offline.Lock()
	down = false
	offline.Unlock()
	coord.HandleConnection(connEvent(true, base))
	coord.wait()
	state.wait()

	snap := state.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].Status != StatusSent || snap.Messages[0].ID != "srv-1" {
		t.Fatalf("failed send not resubmitted after reconnect: %+v", snap.Messages[0])
	}
}

func TestReplayFailureReported(t *testing.T) {
	ft := &fakeTransport{}
	ft.missedFn = func(context.Context, []string, time.Time) ([]Event, error) {
		return nil, &APIError{Kind: ErrorNetwork, Code: "timeout", Message: "timeout"}
	}
	rec := &errRecorder{}
	reg, _ := testRegistry(t, ft)
	coord := newSyncCoordinator(ft, reg, DefaultRetention, rec.sink())

	base := time.Now()
	coord.HandleConnection(connEvent(false, base.Add(-time.Minute)))
	coord.HandleConnection(connEvent(true, base))
	coord.wait()

	ops := rec.ops()
	if len(ops) != 1 || ops[0] != "sync" {
		t.Errorf("expected one sync error event, got %v", ops)
	}
}

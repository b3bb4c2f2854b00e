package coral

import (
	"context"
	"testing"
	"time"
)

func TestAcquireChannelRefCount(t *testing.T) {
	ft := &fakeTransport{}
	reg := newStateRegistry(ft, nil, nil, NoRetries{}, nil, func() string { return "me" })

	a, releaseA, err := reg.AcquireChannel(context.Background(), "messaging:general")
	if err != nil {
		t.Fatalf("AcquireChannel: %v", err)
	}
	b, releaseB, err := reg.AcquireChannel(context.Background(), "messaging:general")
	if err != nil {
		t.Fatalf("AcquireChannel: %v", err)
	}
	if a != b {
		t.Fatal("expected both acquisitions to share one state")
	}

	releaseA()
	if cids := reg.ActiveCIDs(); len(cids) != 1 {
		t.Fatalf("state dropped while still held: %v", cids)
	}

	releaseB()
	releaseB() // double release is a no-op
	if cids := reg.ActiveCIDs(); len(cids) != 0 {
		t.Fatalf("state survived last release: %v", cids)
	}

	// A fresh acquisition after teardown builds a new state.
	c, releaseC, err := reg.AcquireChannel(context.Background(), "messaging:general")
	if err != nil {
		t.Fatalf("AcquireChannel: %v", err)
	}
	defer releaseC()
	if c == a {
		t.Error("expected a fresh state after the last release")
	}
}

func TestAcquireChannelInvalidCID(t *testing.T) {
	reg := newStateRegistry(&fakeTransport{}, nil, nil, NoRetries{}, nil, func() string { return "me" })
	if _, _, err := reg.AcquireChannel(context.Background(), "no-colon"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestAcquireQuerySharedByKey(t *testing.T) {
	reg := newStateRegistry(&fakeTransport{}, nil, nil, NoRetries{}, nil, func() string { return "me" })

	a, releaseA, _ := reg.AcquireQuery(context.Background(), QuerySpec{Filter: map[string]any{"type": "messaging", "frozen": false}})
	b, releaseB, _ := reg.AcquireQuery(context.Background(), QuerySpec{Filter: map[string]any{"frozen": false, "type": "messaging"}})
	defer releaseA()
	defer releaseB()

	if a != b {
		t.Error("equivalent specs should share one query state")
	}
}

func TestBroadcastRouting(t *testing.T) {
	reg := newStateRegistry(&fakeTransport{}, nil, nil, NoRetries{}, nil, func() string { return "me" })

	general, releaseG, _ := reg.AcquireChannel(context.Background(), "messaging:general")
	random, releaseR, _ := reg.AcquireChannel(context.Background(), "messaging:random")
	defer releaseG()
	defer releaseR()

	base := time.Now()
	reg.Broadcast(msgEvent("ev-1", "m1", "alice", "hi", base))

	if snap := general.Snapshot(); len(snap.Messages) != 1 {
		t.Errorf("target channel missed the event: %d messages", len(snap.Messages))
	}
	if snap := random.Snapshot(); len(snap.Messages) != 0 {
		t.Errorf("unrelated channel received the event: %d messages", len(snap.Messages))
	}
}

func TestBroadcastPresenceReachesAllChannels(t *testing.T) {
	reg := newStateRegistry(&fakeTransport{}, nil, nil, NoRetries{}, nil, func() string { return "me" })

	general, releaseG, _ := reg.AcquireChannel(context.Background(), "messaging:general")
	random, releaseR, _ := reg.AcquireChannel(context.Background(), "messaging:random")
	defer releaseG()
	defer releaseR()

	notifiedG, notifiedR := 0, 0
	general.Subscribe(func(ChannelSnapshot) { notifiedG++ })
	random.Subscribe(func(ChannelSnapshot) { notifiedR++ })

	reg.Broadcast(Event{
		ID: "ev-1", Type: EventUserPresence, Timestamp: time.Now(),
		User: &User{ID: "alice", Online: true},
	})

	if notifiedG != 1 || notifiedR != 1 {
		t.Errorf("presence fanout incomplete: general=%d random=%d", notifiedG, notifiedR)
	}
}

func TestBroadcastReachesQueries(t *testing.T) {
	reg := newStateRegistry(&fakeTransport{}, nil, nil, NoRetries{}, nil, func() string { return "me" })

	q, release, _ := reg.AcquireQuery(context.Background(), QuerySpec{Filter: map[string]any{"type": "messaging"}})
	defer release()

	base := time.Now()
	reg.Broadcast(Event{
		ID: "ev-1", Type: EventChannelNew, CID: "messaging:general", Timestamp: base,
		Channel: &Channel{ID: "general", Type: "messaging", CID: "messaging:general", UpdatedAt: base},
	})

	if snap := q.Snapshot(); len(snap.CIDs) != 1 {
		t.Errorf("query missed the channel event: %v", snap.CIDs)
	}
}

func TestHydrateFromCache(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()
	base := time.Now()
	cache.UpsertChannels(ctx, []*Channel{{ID: "general", Type: "messaging", CID: "messaging:general", UpdatedAt: base}})
	cache.UpsertMessages(ctx, []*Message{
		{ID: "m1", CID: "messaging:general", UserID: "alice", Text: "hi", Status: StatusSent, CreatedAt: base},
	})

	reg := newStateRegistry(&fakeTransport{}, cache, nil, NoRetries{}, nil, func() string { return "me" })
	state, release, err := reg.AcquireChannel(ctx, "messaging:general")
	if err != nil {
		t.Fatalf("AcquireChannel: %v", err)
	}
	defer release()

	snap := state.Snapshot()
	if snap.Channel.ID != "general" {
		t.Errorf("channel not hydrated: %+v", snap.Channel)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].ID != "m1" {
		t.Errorf("messages not hydrated: %+v", snap.Messages)
	}
}

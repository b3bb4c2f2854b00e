package coral

import (
	"testing"
	"time"
)

func testQueryChannels(base time.Time) []*Channel {
	return []*Channel{
		{ID: "general", Type: "messaging", CID: "messaging:general", LastMessageAt: base.Add(-time.Hour), UpdatedAt: base},
		{ID: "random", Type: "messaging", CID: "messaging:random", LastMessageAt: base.Add(-2 * time.Hour), UpdatedAt: base},
		{ID: "ops", Type: "team", CID: "team:ops", LastMessageAt: base, UpdatedAt: base},
	}
}

func TestQueryOrderAndTieBreak(t *testing.T) {
	base := time.Now()
	q := newQueryState(QuerySpec{
		Sort: []SortField{{Field: "last_message_at", Desc: true}},
	}, nil)

	channels := testQueryChannels(base)
	// Equal sort keys fall back to cid order.
	channels[0].LastMessageAt = base
	channels[1].LastMessageAt = base
	channels[2].LastMessageAt = base
	q.Reset(channels)

	snap := q.Snapshot()
	want := []string{"messaging:general", "messaging:random", "team:ops"}
	if len(snap.CIDs) != len(want) {
		t.Fatalf("expected %d channels, got %d", len(want), len(snap.CIDs))
	}
	for i := range want {
		if snap.CIDs[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, snap.CIDs[i], want[i])
		}
	}
}

func TestQueryReorderOnNewMessage(t *testing.T) {
	base := time.Now()
	q := newQueryState(QuerySpec{
		Filter: map[string]any{"type": "messaging"},
		Sort:   []SortField{{Field: "last_message_at", Desc: true}},
	}, nil)
	q.Reset(testQueryChannels(base))

	var notified [][]string
	q.Subscribe(func(snap QuerySnapshot) {
		notified = append(notified, snap.CIDs)
	})

	snap := q.Snapshot()
	if len(snap.CIDs) != 2 || snap.CIDs[0] != "messaging:general" {
		t.Fatalf("unexpected initial order: %v", snap.CIDs)
	}

	// A new message in random moves it to the top.
	q.ApplyEvent(Event{
		ID: "ev-1", Type: EventMessageNew, CID: "messaging:random", Timestamp: base,
		Message: &Message{ID: "m1", CID: "messaging:random", UserID: "alice", Text: "hi", CreatedAt: base},
	})

	snap = q.Snapshot()
	if snap.CIDs[0] != "messaging:random" {
		t.Errorf("expected messaging:random first, got %v", snap.CIDs)
	}
	if len(notified) != 1 {
		t.Errorf("expected 1 notification, got %d", len(notified))
	}
}

func TestQueryChannelUpdatedRematch(t *testing.T) {
	base := time.Now()
	q := newQueryState(QuerySpec{Filter: map[string]any{"type": "messaging"}}, nil)
	q.Reset(testQueryChannels(base))

	if snap := q.Snapshot(); len(snap.CIDs) != 2 {
		t.Fatalf("expected 2 matching channels, got %d", len(snap.CIDs))
	}

	// The channel stops matching the filter and leaves the result.
	q.ApplyEvent(Event{
		ID: "ev-1", Type: EventChannelUpdated, CID: "messaging:general", Timestamp: base.Add(time.Second),
		Channel: &Channel{ID: "general", Type: "archived", CID: "messaging:general", UpdatedAt: base.Add(time.Second)},
	})

	snap := q.Snapshot()
	if len(snap.CIDs) != 1 || snap.CIDs[0] != "messaging:random" {
		t.Errorf("expected only messaging:random, got %v", snap.CIDs)
	}
}

func TestQueryStaleChannelUpdateIgnored(t *testing.T) {
	base := time.Now()
	q := newQueryState(QuerySpec{Filter: map[string]any{"type": "messaging"}}, nil)
	q.Reset(testQueryChannels(base))

	q.ApplyEvent(Event{
		ID: "ev-1", Type: EventChannelUpdated, CID: "messaging:general", Timestamp: base.Add(-time.Minute),
		Channel: &Channel{ID: "general", Type: "messaging", CID: "messaging:general", Name: "old name", UpdatedAt: base.Add(-time.Minute)},
	})

	for _, ch := range q.Snapshot().Channels {
		if ch.CID == "messaging:general" && ch.Name == "old name" {
			t.Error("stale channel update applied")
		}
	}
}

func TestQueryChannelDeletedRemoved(t *testing.T) {
	base := time.Now()
	q := newQueryState(QuerySpec{Filter: map[string]any{"type": "messaging"}}, nil)
	q.Reset(testQueryChannels(base))

	q.ApplyEvent(Event{
		ID: "ev-1", Type: EventChannelDeleted, CID: "messaging:general", Timestamp: base.Add(time.Second),
	})

	snap := q.Snapshot()
	if len(snap.CIDs) != 1 || snap.CIDs[0] != "messaging:random" {
		t.Errorf("expected deleted channel removed, got %v", snap.CIDs)
	}
}

func TestQueryLimit(t *testing.T) {
	base := time.Now()
	q := newQueryState(QuerySpec{
		Sort:  []SortField{{Field: "last_message_at", Desc: true}},
		Limit: 2,
	}, nil)
	q.Reset(testQueryChannels(base))

	snap := q.Snapshot()
	if len(snap.CIDs) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(snap.CIDs))
	}
	if snap.CIDs[0] != "team:ops" {
		t.Errorf("expected team:ops first, got %v", snap.CIDs)
	}
}

func TestQuerySpecKeyCanonical(t *testing.T) {
	a := QuerySpec{Filter: map[string]any{"type": "messaging", "frozen": false}, Limit: 10}
	b := QuerySpec{Filter: map[string]any{"frozen": false, "type": "messaging"}, Limit: 10}
	if a.Key() != b.Key() {
		t.Errorf("keys differ for equivalent specs:\n%s\n%s", a.Key(), b.Key())
	}

	c := QuerySpec{Filter: map[string]any{"type": "team"}, Limit: 10}
	if a.Key() == c.Key() {
		t.Error("distinct specs share a key")
	}
}

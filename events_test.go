package coral

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseEventMessageNew(t *testing.T) {
	raw := []byte(`{
		"id": "ev-1",
		"type": "message.new",
		"at": "2026-08-20T12:00:00Z",
		"payload": {
			"id": "m1",
			"cid": "messaging:general",
			"user_id": "alice",
			"text": "hello",
			"created_at": "2026-08-20T12:00:00Z"
		}
	}`)

	ev, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Type != EventMessageNew {
		t.Errorf("type: got %s", ev.Type)
	}
	if ev.Message == nil || ev.Message.Text != "hello" {
		t.Fatalf("payload not decoded: %+v", ev.Message)
	}
	// CID missing from the envelope backfills from the payload.
	if ev.CID != "messaging:general" {
		t.Errorf("cid not backfilled: %q", ev.CID)
	}
}

func TestParseEventUnknownTypePassesThrough(t *testing.T) {
	raw := []byte(`{"id": "ev-1", "type": "something.else", "at": "2026-08-20T12:00:00Z", "payload": {"x": 1}}`)
	ev, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Type != "something.else" || ev.ID != "ev-1" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestParseEventEmptyPayload(t *testing.T) {
	raw := []byte(`{"id": "ev-1", "type": "message.new", "at": "2026-08-20T12:00:00Z"}`)
	if _, err := ParseEvent(raw); err == nil {
		t.Fatal("expected error for missing payload")
	}
}

func TestEventRoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	ev := Event{
		ID:        "ev-1",
		Type:      EventReadUpdated,
		CID:       "messaging:general",
		Timestamp: at,
		Read:      &Read{UserID: "alice", CID: "messaging:general", MessageID: "m1", LastReadAt: at},
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Type != ev.Type || back.ID != ev.ID || back.CID != ev.CID {
		t.Errorf("envelope fields lost: %+v", back)
	}
	if back.Read == nil || back.Read.MessageID != "m1" {
		t.Errorf("payload lost: %+v", back.Read)
	}
}

func TestSortEventsByTime(t *testing.T) {
	base := time.Now()
	events := []Event{
		{ID: "ev-c", Timestamp: base.Add(time.Second)},
		{ID: "ev-b", Timestamp: base},
		{ID: "ev-a", Timestamp: base},
	}
	sortEventsByTime(events)

	want := []string{"ev-a", "ev-b", "ev-c"}
	for i := range want {
		if events[i].ID != want[i] {
			t.Errorf("position %d: got %s, want %s", i, events[i].ID, want[i])
		}
	}
}

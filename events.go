package coral

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ============================================================================
// Event model
// ============================================================================

// EventType discriminates the realtime event variants.
type EventType string

const (
	EventMessageNew     EventType = "message.new"
	EventMessageUpdated EventType = "message.updated"
	EventMessageDeleted EventType = "message.deleted"
	EventReactionNew    EventType = "reaction.new"
	EventChannelNew     EventType = "channel.new"
	EventChannelUpdated EventType = "channel.updated"
	EventChannelDeleted EventType = "channel.deleted"
	EventMemberAdded    EventType = "member.added"
	EventMemberRemoved  EventType = "member.removed"
	EventReadUpdated    EventType = "read.updated"
	EventUserPresence   EventType = "user.presence"
	EventTyping         EventType = "typing.indicator"

	// EventConnectionChanged is synthesized client-side by the realtime
	// layer; it never arrives on the wire.
	EventConnectionChanged EventType = "connection.changed"
)

// Event is a decoded realtime event. Exactly the payload fields relevant to
// its Type are populated. Timestamp ordering is significant: entity merges
// are last-writer-wins by Timestamp.
type Event struct {
	ID        string
	Type      EventType
	CID       string
	Timestamp time.Time

	Message    *Message
	Channel    *Channel
	Reaction   *Reaction
	Member     *Member
	Read       *Read
	User       *User
	Typing     *TypingIndicator
	Connection *ConnectionState
}

// TypingIndicator reports a user starting or stopping typing in a channel.
type TypingIndicator struct {
	CID      string `json:"cid"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// ConnectionState is the payload of client-side connection events.
type ConnectionState struct {
	Online       bool      `json:"online"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Since        time.Time `json:"since"`
}

// ============================================================================
// Wire format
// ============================================================================

// eventEnvelope is the tagged wire form of an event.
type eventEnvelope struct {
	ID      string          `json:"id"`
	Type    EventType       `json:"type"`
	CID     string          `json:"cid,omitempty"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// ParseEvent decodes a raw wire event into a typed Event.
func ParseEvent(data []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("decode event envelope: %w", err)
	}
	return decodeEnvelope(env)
}

func decodeEnvelope(env eventEnvelope) (Event, error) {
	ev := Event{ID: env.ID, Type: env.Type, CID: env.CID, Timestamp: env.At}

	decode := func(v any) error {
		if len(env.Payload) == 0 {
			return fmt.Errorf("event %s: empty payload", env.Type)
		}
		if err := json.Unmarshal(env.Payload, v); err != nil {
			return fmt.Errorf("event %s: decode payload: %w", env.Type, err)
		}
		return nil
	}

	var err error
	switch env.Type {
	case EventMessageNew, EventMessageUpdated, EventMessageDeleted:
		ev.Message = &Message{}
		err = decode(ev.Message)
		if ev.Message != nil && ev.CID == "" {
			ev.CID = ev.Message.CID
		}
	case EventReactionNew:
		ev.Reaction = &Reaction{}
		err = decode(ev.Reaction)
	case EventChannelNew, EventChannelUpdated, EventChannelDeleted:
		ev.Channel = &Channel{}
		err = decode(ev.Channel)
		if ev.Channel != nil && ev.CID == "" {
			ev.CID = ev.Channel.CID
		}
	case EventMemberAdded, EventMemberRemoved:
		ev.Member = &Member{}
		err = decode(ev.Member)
	case EventReadUpdated:
		ev.Read = &Read{}
		err = decode(ev.Read)
		if ev.Read != nil && ev.CID == "" {
			ev.CID = ev.Read.CID
		}
	case EventUserPresence:
		ev.User = &User{}
		err = decode(ev.User)
	case EventTyping:
		ev.Typing = &TypingIndicator{}
		err = decode(ev.Typing)
	case EventConnectionChanged:
		ev.Connection = &ConnectionState{}
		err = decode(ev.Connection)
	default:
		// Unknown variants pass through with an empty payload so forward
		// compatibility does not break the read loop.
	}
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

// MarshalJSON encodes the event back into its wire envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	env := eventEnvelope{ID: e.ID, Type: e.Type, CID: e.CID, At: e.Timestamp}

	var payload any
	switch {
	case e.Message != nil:
		payload = e.Message
	case e.Channel != nil:
		payload = e.Channel
	case e.Reaction != nil:
		payload = e.Reaction
	case e.Member != nil:
		payload = e.Member
	case e.Read != nil:
		payload = e.Read
	case e.User != nil:
		payload = e.User
	case e.Typing != nil:
		payload = e.Typing
	case e.Connection != nil:
		payload = e.Connection
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = b
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes a wire envelope into the event.
func (e *Event) UnmarshalJSON(data []byte) error {
	ev, err := ParseEvent(data)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// sortEventsByTime orders events oldest first; ID breaks timestamp ties so
// replay is deterministic.
func sortEventsByTime(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
}

package coral

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// Messages
// ============================================================================

// SyncStatus tracks a message's journey from optimistic local insert to
// server acknowledgement. Transitions are monotonic: pending may become sent
// or failed, and neither sent nor failed ever reverts to pending.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSent    SyncStatus = "sent"
	StatusFailed  SyncStatus = "failed"
)

// Message is a single chat message. Locally created messages start with a
// client-generated ID and StatusPending; once the server acknowledges the
// send, ID is replaced by the server-assigned one and ClientID keeps the
// original for dedup.
type Message struct {
	ID        string         `json:"id"`
	ClientID  string         `json:"client_id,omitempty"`
	CID       string         `json:"cid"`
	UserID    string         `json:"user_id"`
	Text      string         `json:"text"`
	Type      string         `json:"type,omitempty"`
	ParentID  string         `json:"parent_id,omitempty"`
	Reactions map[string]int `json:"reaction_counts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Status    SyncStatus     `json:"status,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at,omitempty"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
}

func (m *Message) clone() *Message {
	c := *m
	if m.Reactions != nil {
		c.Reactions = make(map[string]int, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = v
		}
	}
	return &c
}

// MessageDraft is the caller-supplied part of an outgoing message.
type MessageDraft struct {
	Text     string         `json:"text"`
	Type     string         `json:"type,omitempty"`
	ParentID string         `json:"parent_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Reaction is a reaction to a message, such as a like.
type Reaction struct {
	MessageID string    `json:"message_id"`
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ============================================================================
// Channels
// ============================================================================

// Channel is the durable description of a conversation. Live per-channel
// state (messages, reads, members merged with local writes) lives in
// ChannelState; this struct is what the server and the cache exchange.
type Channel struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	CID           string         `json:"cid"` // "<type>:<id>"
	Name          string         `json:"name,omitempty"`
	MemberCount   int            `json:"member_count,omitempty"`
	Config        ChannelConfig  `json:"config,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	LastMessageAt time.Time      `json:"last_message_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at,omitempty"`
}

// ChannelConfig carries the server-controlled feature switches for a channel.
type ChannelConfig struct {
	Frozen    bool `json:"frozen,omitempty"`
	ReadOnly  bool `json:"read_only,omitempty"`
	Reactions bool `json:"reactions,omitempty"`
	Replies   bool `json:"replies,omitempty"`
}

// SplitCID splits a composite channel identifier into type and id.
func SplitCID(cid string) (channelType, channelID string, err error) {
	parts := strings.SplitN(cid, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", newValidationError(fmt.Sprintf("invalid cid %q, expected <type>:<id>", cid))
	}
	return parts[0], parts[1], nil
}

// Member is a user's membership in a channel.
type Member struct {
	UserID    string    `json:"user_id"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Read is a per-user read watermark: everything up to MessageID (or
// LastReadAt when MessageID is empty) counts as read. Unread counts derive
// from it.
type Read struct {
	UserID     string    `json:"user_id"`
	CID        string    `json:"cid"`
	MessageID  string    `json:"message_id,omitempty"`
	LastReadAt time.Time `json:"last_read_at"`
}

// User is a chat participant.
type User struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Online     bool      `json:"online,omitempty"`
	LastActive time.Time `json:"last_active,omitempty"`
}

// ChannelPage is a full channel fetch: the channel plus its recent state.
// The sync layer falls back to this when event replay is not possible.
type ChannelPage struct {
	Channel  *Channel   `json:"channel"`
	Messages []*Message `json:"messages,omitempty"`
	Members  []*Member  `json:"members,omitempty"`
	Reads    []*Read    `json:"reads,omitempty"`
}

// ============================================================================
// Channel-list queries
// ============================================================================

// SortField is one sort criterion for a channel-list query.
type SortField struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// QuerySpec identifies a channel-list query: an exact-match filter plus a
// sort order. Two specs with the same canonical Key share one QueryState.
type QuerySpec struct {
	Filter map[string]any `json:"filter,omitempty"`
	Sort   []SortField    `json:"sort,omitempty"`
	Limit  int            `json:"limit,omitempty"`
}

// Key returns a canonical string form of the spec, stable across map
// iteration order. Used to dedup QueryState instances and to key cached
// query results.
func (q QuerySpec) Key() string {
	keys := make([]string, 0, len(q.Filter))
	for k := range q.Filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("filter{")
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		v, _ := json.Marshal(q.Filter[k])
		fmt.Fprintf(&b, "%s=%s", k, v)
	}
	b.WriteString("}sort{")
	for i, s := range q.Sort {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s.Field)
		if s.Desc {
			b.WriteString(":desc")
		}
	}
	fmt.Fprintf(&b, "}limit=%d", q.Limit)
	return b.String()
}

// Matches reports whether a channel satisfies the spec's filter.
func (q QuerySpec) Matches(ch *Channel) bool {
	for field, want := range q.Filter {
		got, ok := channelField(ch, field)
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// channelField resolves a filter/sort field name to a channel value.
func channelField(ch *Channel, name string) (any, bool) {
	switch name {
	case "id":
		return ch.ID, true
	case "type":
		return ch.Type, true
	case "cid":
		return ch.CID, true
	case "name":
		return ch.Name, true
	case "member_count":
		return ch.MemberCount, true
	case "frozen":
		return ch.Config.Frozen, true
	case "last_message_at":
		return ch.LastMessageAt, true
	case "created_at":
		return ch.CreatedAt, true
	case "updated_at":
		return ch.UpdatedAt, true
	default:
		if ch.Metadata != nil {
			v, ok := ch.Metadata[name]
			return v, ok
		}
		return nil, false
	}
}

// compareField orders two channels by one sort field. Returns <0, 0, >0.
func compareField(a, b *Channel, s SortField) int {
	av, aok := channelField(a, s.Field)
	bv, bok := channelField(b, s.Field)
	if !aok || !bok {
		return 0
	}

	var c int
	switch x := av.(type) {
	case time.Time:
		y, _ := bv.(time.Time)
		switch {
		case x.Before(y):
			c = -1
		case x.After(y):
			c = 1
		}
	case int:
		y, _ := bv.(int)
		c = x - y
	case bool:
		y, _ := bv.(bool)
		if x != y {
			if y {
				c = -1
			} else {
				c = 1
			}
		}
	default:
		c = strings.Compare(fmt.Sprint(av), fmt.Sprint(bv))
	}

	if s.Desc {
		c = -c
	}
	return c
}

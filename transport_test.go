package coral

import (
	"context"
	"sync"
	"time"
)

// fakeTransport is a scriptable Transport for tests. Unset funcs return zero
// values; call counts are recorded for assertions.
type fakeTransport struct {
	mu            sync.Mutex
	sendCalls     int
	markReadCalls int
	missedCalls   int
	queryCalls    int
	getCalls      int

	sendFn     func(ctx context.Context, cid string, msg *Message) (*Message, error)
	markReadFn func(ctx context.Context, cid, messageID string) error
	missedFn   func(ctx context.Context, cids []string, since time.Time) ([]Event, error)
	queryFn    func(ctx context.Context, spec QuerySpec) ([]*Channel, error)
	getFn      func(ctx context.Context, cid string) (*ChannelPage, error)
}

func (f *fakeTransport) SendMessage(ctx context.Context, cid string, msg *Message) (*Message, error) {
	f.mu.Lock()
	f.sendCalls++
	fn := f.sendFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, cid, msg)
	}
	sent := msg.clone()
	sent.ID = "srv-" + msg.ClientID
	sent.Status = StatusSent
	return sent, nil
}

func (f *fakeTransport) MarkRead(ctx context.Context, cid, messageID string) error {
	f.mu.Lock()
	f.markReadCalls++
	fn := f.markReadFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, cid, messageID)
	}
	return nil
}

func (f *fakeTransport) MissedEvents(ctx context.Context, cids []string, since time.Time) ([]Event, error) {
	f.mu.Lock()
	f.missedCalls++
	fn := f.missedFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, cids, since)
	}
	return nil, nil
}

func (f *fakeTransport) QueryChannels(ctx context.Context, spec QuerySpec) ([]*Channel, error) {
	f.mu.Lock()
	f.queryCalls++
	fn := f.queryFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, spec)
	}
	return nil, nil
}

func (f *fakeTransport) GetChannel(ctx context.Context, cid string) (*ChannelPage, error) {
	f.mu.Lock()
	f.getCalls++
	fn := f.getFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, cid)
	}
	return &ChannelPage{Channel: &Channel{CID: cid}}, nil
}

func (f *fakeTransport) calls() (send, markRead, missed, query, get int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls, f.markReadCalls, f.missedCalls, f.queryCalls, f.getCalls
}

// errRecorder captures the async error stream.
type errRecorder struct {
	mu     sync.Mutex
	events []ErrorEvent
}

func (r *errRecorder) sink() errorSink {
	return func(ev ErrorEvent) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}
}

func (r *errRecorder) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Op
	}
	return out
}

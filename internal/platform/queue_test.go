package platform

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// recordingPlatform captures calls in order.
type recordingPlatform struct {
	mu    sync.Mutex
	calls []string
	next  int
}

func (r *recordingPlatform) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recordingPlatform) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recordingPlatform) Name() string                     { return "test" }
func (r *recordingPlatform) Start(context.Context) error      { return nil }
func (r *recordingPlatform) Stop() error                      { return nil }
func (r *recordingPlatform) OnMessage(func(IncomingMessage)) {}

func (r *recordingPlatform) SendMessage(_ context.Context, chatID, text string, _ SendOptions) (string, error) {
	r.mu.Lock()
	r.next++
	id := fmt.Sprintf("m%d", r.next)
	r.calls = append(r.calls, "send:"+chatID+":"+text)
	r.mu.Unlock()
	return id, nil
}

func (r *recordingPlatform) EditMessage(_ context.Context, chatID, messageID, text, _ string) error {
	r.record("edit:" + chatID + ":" + messageID + ":" + text)
	return nil
}

func (r *recordingPlatform) DeleteMessage(_ context.Context, chatID, messageID string) error {
	r.record("delete:" + chatID + ":" + messageID)
	return nil
}

func (r *recordingPlatform) DeleteMessages(_ context.Context, chatID string, ids []string) error {
	r.record(fmt.Sprintf("bulk:%s:%d", chatID, len(ids)))
	return nil
}

func TestQueueSendReturnsMessageID(t *testing.T) {
	rec := &recordingPlatform{}
	q := NewQueue(rec, 1000)

	id, err := q.QueueSendMessage(context.Background(), "c1", "hello", SendOptions{}, false)
	if err != nil {
		t.Fatal(err)
	}
	if id != "m1" {
		t.Errorf("id = %q, want m1", id)
	}
}

func TestQueueEditsSerializePerMessage(t *testing.T) {
	rec := &recordingPlatform{}
	q := NewQueue(rec, 1000)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := q.QueueEditMessage(ctx, "c1", "m1", fmt.Sprintf("v%d", i), "", true); err != nil {
			t.Fatal(err)
		}
	}
	q.Drain()

	calls := rec.recorded()
	if len(calls) != 5 {
		t.Fatalf("calls = %d, want 5", len(calls))
	}
	for i, call := range calls {
		want := fmt.Sprintf("edit:c1:m1:v%d", i)
		if call != want {
			t.Errorf("call %d = %q, want %q", i, call, want)
		}
	}
}

func TestQueueDeleteMessagesBatches(t *testing.T) {
	rec := &recordingPlatform{}
	q := NewQueue(rec, 1000)

	ids := make([]string, 250)
	for i := range ids {
		ids[i] = fmt.Sprintf("%d", i)
	}
	if err := q.QueueDeleteMessages(context.Background(), "c1", ids); err != nil {
		t.Fatal(err)
	}

	calls := rec.recorded()
	want := []string{"bulk:c1:100", "bulk:c1:100", "bulk:c1:50"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestQueueFireAndForgetSendHasNoID(t *testing.T) {
	rec := &recordingPlatform{}
	q := NewQueue(rec, 1000)

	id, err := q.QueueSendMessage(context.Background(), "c1", "bg", SendOptions{}, true)
	if err != nil {
		t.Fatal(err)
	}
	if id != "" {
		t.Errorf("fire-and-forget id = %q, want empty", id)
	}
	q.Drain()
	if calls := rec.recorded(); len(calls) != 1 {
		t.Errorf("calls = %v, want one send", calls)
	}
}

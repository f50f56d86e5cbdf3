package queue

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	want := Message{Type: TypeSession, Body: []byte("sess-123")}
	if err := q.Publish(ctx, want); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-msgs:
		if got.Type != want.Type || string(got.Body) != string(want.Body) {
			t.Errorf("got %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestInMemoryPublishHonorsContext(t *testing.T) {
	q := NewInMemory(1)
	ctx := context.Background()
	if err := q.Publish(ctx, Message{Type: TypeSession}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	// Queue full, context already canceled: must not block.
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.Publish(canceled, Message{Type: TypeSession}); err == nil {
		t.Fatal("Publish() on a full queue with canceled context must error")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"session id", Message{Type: TypeSession, Body: []byte("abc-123")}},
		{"body with separator", Message{Type: TypeSession, Body: []byte("a|b|c")}},
		{"empty body", Message{Type: TypeSession, Body: []byte("")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := deserialize(serialize(tt.msg))
			if err != nil {
				t.Fatalf("deserialize() error = %v", err)
			}
			if got.Type != tt.msg.Type || string(got.Body) != string(tt.msg.Body) {
				t.Errorf("got %+v, want %+v", got, tt.msg)
			}
		})
	}
}

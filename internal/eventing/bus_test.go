package eventing

import (
	"context"
	"errors"
	"testing"
)

type pingEvent struct {
	N int
}

func TestInMemoryBus_PublishDeliversToAllHandlers(t *testing.T) {
	bus := NewInMemoryBus()
	var first, second int
	bus.Subscribe(TypeFor[pingEvent](), func(ctx context.Context, event any) error {
		first = event.(pingEvent).N
		return nil
	})
	bus.Subscribe(TypeFor[pingEvent](), func(ctx context.Context, event any) error {
		second = event.(pingEvent).N
		return nil
	})

	if err := bus.Publish(context.Background(), pingEvent{N: 7}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if first != 7 || second != 7 {
		t.Fatalf("expected both handlers invoked, got %d and %d", first, second)
	}
}

func TestInMemoryBus_HandlerErrorDoesNotStopDelivery(t *testing.T) {
	bus := NewInMemoryBus()
	failure := errors.New("handler failure")
	var delivered bool
	bus.Subscribe(TypeFor[pingEvent](), func(ctx context.Context, event any) error {
		return failure
	})
	bus.Subscribe(TypeFor[pingEvent](), func(ctx context.Context, event any) error {
		delivered = true
		return nil
	})

	err := bus.Publish(context.Background(), pingEvent{})
	if !errors.Is(err, failure) {
		t.Fatalf("expected first error returned, got %v", err)
	}
	if !delivered {
		t.Fatalf("expected later handlers still invoked")
	}
}

func TestInMemoryBus_NilEvent(t *testing.T) {
	bus := NewInMemoryBus()
	if err := bus.Publish(context.Background(), nil); !errors.Is(err, ErrNilEvent) {
		t.Fatalf("expected ErrNilEvent, got %v", err)
	}
}

func TestTypeOfMatchesTypeFor(t *testing.T) {
	if TypeOf(pingEvent{}) != TypeFor[pingEvent]() {
		t.Fatalf("type names differ: %s vs %s", TypeOf(pingEvent{}), TypeFor[pingEvent]())
	}
	if TypeOf(&pingEvent{}) != TypeFor[pingEvent]() {
		t.Fatalf("pointer should resolve to the element type")
	}
}

func TestNewIDFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if len(id) != 32 {
			t.Fatalf("expected 32 hex chars, got %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

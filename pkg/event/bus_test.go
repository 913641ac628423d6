package event

import (
	"context"
	"testing"
	"time"
)

func TestEmitDeliversToOpenSubscriber(t *testing.T) {
	b := NewBus(16, 4096)
	defer b.Close()

	sub := b.Open()
	defer sub.Close()

	b.Emit(Event{Type: TypeIOError, Pool: "tank", Message: "read failed"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != TypeIOError || ev.Message != "read failed" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestRingOverflowDropsOldestAndCounts(t *testing.T) {
	b := NewBus(4, 4096)
	defer b.Close()

	for i := 0; i < 6; i++ {
		b.Emit(Event{Type: TypeScrubProgress, Message: string(rune('a' + i))})
	}

	recent := b.Recent(10)
	if len(recent) != 4 {
		t.Fatalf("expected ring capped at 4, got %d", len(recent))
	}
	if recent[0].Message != "c" || recent[3].Message != "f" {
		t.Fatalf("expected oldest-evicted ring [c d e f], got %+v", recent)
	}
	if b.Dropped() != 2 {
		t.Fatalf("expected 2 dropped entries, got %d", b.Dropped())
	}
}

func TestNewSubscriberSeesRecentHistory(t *testing.T) {
	b := NewBus(8, 4096)
	defer b.Close()

	b.Emit(Event{Type: TypePoolStateChange, Message: "first"})
	b.Emit(Event{Type: TypePoolStateChange, Message: "second"})

	sub := b.Open()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev1, err := sub.Read(ctx)
	if err != nil {
		t.Fatalf("read 1: %v", err)
	}
	if ev1.Message != "first" {
		t.Fatalf("expected to see prior history first, got %+v", ev1)
	}
}

func TestCloseUnblocksSubscriberRead(t *testing.T) {
	b := NewBus(8, 4096)
	sub := b.Open()

	done := make(chan error, 1)
	go func() {
		_, err := sub.Read(context.Background())
		done <- err
	}()

	b.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Read to return an error (io.EOF) after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Read to unblock after Close")
	}
}

func TestLogTrailMirrorsEmittedEvents(t *testing.T) {
	b := NewBus(8, 4096)
	defer b.Close()

	b.Emit(Event{Type: TypeDataCorruption, Pool: "tank", Message: "checksum mismatch"})
	trail := string(b.LogTrail())
	if len(trail) == 0 {
		t.Fatal("expected the log trail to contain the rendered event")
	}
}

func TestSubscriberDropsWhenChannelFull(t *testing.T) {
	b := NewBus(8, 4096)
	defer b.Close()
	sub := b.Open()
	defer sub.Close()

	for i := 0; i < subscriberChanCapacity+5; i++ {
		b.Emit(Event{Type: TypeIOError, Message: "spam"})
	}
	if sub.Dropped() == 0 {
		t.Fatal("expected a slow subscriber to drop at least one event")
	}
}

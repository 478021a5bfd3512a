package jobs

import "testing"

func TestEventBus_SequenceAndTrim(t *testing.T) {
	b := NewEventBus(3)
	for i := 0; i < 5; i++ {
		b.Publish(Event{JobID: "j", State: StateProcessing, Progress: i})
	}
	got := b.Since(0)
	if len(got) != 3 || got[0].Seq != 3 || got[2].Seq != 5 {
		t.Fatalf("unexpected buffer: %+v", got)
	}
	if len(b.Since(4)) != 1 {
		t.Fatalf("Since(4) should return the last event only")
	}
	if got[0].Timestamp.IsZero() {
		t.Fatalf("timestamp not assigned")
	}
}

func TestEventBus_SubscribeDropsWhenFull(t *testing.T) {
	b := NewEventBus(10)
	ch, cancel := b.Subscribe(1)

	b.Publish(Event{JobID: "j", State: StateQueued})
	b.Publish(Event{JobID: "j", State: StateAdmitted}) // dropped, subscriber full

	ev := <-ch
	if ev.State != StateQueued {
		t.Fatalf("first event = %s", ev.State)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after cancel")
	}
	b.Publish(Event{JobID: "j", State: StateCompleted})
}

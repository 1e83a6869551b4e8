package events

import (
	"testing"
)

func TestSubscribeExact(t *testing.T) {
	bus := NewBus(10, nil)
	var got []Type
	bus.Subscribe(StreamTextDelta, func(ev Event) { got = append(got, ev.Type) })

	bus.Publish(New(StreamTextDelta, "s1", nil))
	bus.Publish(New(StreamMessageStop, "s1", nil))

	if len(got) != 1 || got[0] != StreamTextDelta {
		t.Fatalf("expected one stream.text_delta, got %v", got)
	}
}

func TestSubscribePrefixAndAllOrder(t *testing.T) {
	bus := NewBus(10, nil)
	var order []string
	bus.SubscribeAll(func(ev Event) { order = append(order, "all") })
	bus.SubscribePrefix("stream.", func(ev Event) { order = append(order, "prefix") })
	bus.Subscribe(StreamTextDelta, func(ev Event) { order = append(order, "exact") })

	bus.Publish(New(StreamTextDelta, "", nil))

	want := []string{"exact", "prefix", "all"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order: expected %v, got %v", want, order)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(10, nil)
	count := 0
	off := bus.Subscribe(TurnEnd, func(ev Event) { count++ })

	bus.Publish(New(TurnEnd, "", nil))
	off()
	bus.Publish(New(TurnEnd, "", nil))

	if count != 1 {
		t.Fatalf("expected 1 delivery after unsubscribe, got %d", count)
	}
}

func TestHandlerPanicContained(t *testing.T) {
	bus := NewBus(10, nil)
	bus.Subscribe(TurnStart, func(ev Event) { panic("boom") })
	delivered := false
	bus.Subscribe(TurnStart, func(ev Event) { delivered = true })

	bus.Publish(New(TurnStart, "", nil))

	if !delivered {
		t.Fatal("panic in one handler must not block later handlers")
	}
}

func TestHistoryRing(t *testing.T) {
	bus := NewBus(3, nil)
	for i := 0; i < 5; i++ {
		bus.Publish(New(StreamTextDelta, "s", map[string]any{"i": i}))
	}
	hist := bus.History(0)
	if len(hist) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(hist))
	}
	if hist[0].Data["i"] != 2 {
		t.Fatalf("expected oldest retained event to be i=2, got %v", hist[0].Data["i"])
	}
}

func TestHistoryForSession(t *testing.T) {
	bus := NewBus(10, nil)
	bus.Publish(New(TurnStart, "a", nil))
	bus.Publish(New(TurnStart, "b", nil))
	bus.Publish(New(TurnEnd, "a", nil))

	hist := bus.HistoryForSession("a", 0)
	if len(hist) != 2 {
		t.Fatalf("expected 2 events for session a, got %d", len(hist))
	}
	if hist[1].Type != TurnEnd {
		t.Fatalf("expected last event turn.end, got %s", hist[1].Type)
	}
}

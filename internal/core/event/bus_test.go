package event

import (
	"testing"

	"github.com/l1jgo/ghostnet/internal/tick"
)

func TestBusDeliversNextStep(t *testing.T) {
	b := NewBus()
	var got []LargeRollback
	Subscribe(b, func(e LargeRollback) { got = append(got, e) })

	Emit(b, LargeRollback{Old: tick.New(100), New: tick.New(80), Delta: -20})
	if Pending[LargeRollback](b) != 1 {
		t.Fatalf("event not queued")
	}
	b.DispatchAll()
	if len(got) != 0 {
		t.Fatalf("event delivered before swap")
	}
	b.SwapBuffers()
	b.DispatchAll()
	if len(got) != 1 || got[0].Delta != -20 {
		t.Fatalf("unexpected delivery %+v", got)
	}
	b.SwapBuffers()
	b.DispatchAll()
	if len(got) != 1 {
		t.Fatalf("event delivered twice")
	}
}

func TestBusKeepsEmissionOrderAcrossTypes(t *testing.T) {
	b := NewBus()
	var order []string
	Subscribe(b, func(LargeRollback) { order = append(order, "rollback") })
	Subscribe(b, func(GhostDecodeFailed) { order = append(order, "decode") })

	Emit(b, GhostDecodeFailed{NetID: 1})
	Emit(b, LargeRollback{Delta: -1})
	Emit(b, GhostDecodeFailed{NetID: 2})
	if n := Pending[GhostDecodeFailed](b); n != 2 {
		t.Fatalf("pending decode events = %d", n)
	}
	b.SwapBuffers()
	if n := Pending[GhostDecodeFailed](b); n != 0 {
		t.Fatalf("pending after swap = %d", n)
	}
	b.DispatchAll()
	want := []string{"decode", "rollback", "decode"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

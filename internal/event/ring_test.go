package event

import (
	"testing"
	"time"
)

func TestRingFIFO(t *testing.T) {
	r := NewRing[int](4)
	for i := 1; i <= 3; i++ {
		r.Send(i)
	}
	for want := 1; want <= 3; want++ {
		select {
		case got := <-r.C():
			if got != want {
				t.Fatalf("got %d, want %d", got, want)
			}
		default:
			t.Fatalf("ring empty, want %d", want)
		}
	}
}

func TestRingDropsOldestWhenFull(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 6; i++ {
		r.Send(i)
	}

	if got := r.Dropped(); got != 3 {
		t.Fatalf("Dropped = %d, want 3", got)
	}

	// The freshest three values survive.
	var got []int
	for len(got) < 3 {
		got = append(got, <-r.C())
	}
	for i, want := range []int{4, 5, 6} {
		if got[i] != want {
			t.Fatalf("got %v, want [4 5 6]", got)
		}
	}
}

func TestRingTrySend(t *testing.T) {
	r := NewRing[string](1)
	if !r.TrySend("a") {
		t.Fatal("TrySend on empty ring = false")
	}
	if r.TrySend("b") {
		t.Fatal("TrySend on full ring = true")
	}
	if r.Dropped() != 0 {
		t.Fatalf("TrySend must not drop, Dropped = %d", r.Dropped())
	}
}

func TestRingSendNeverBlocks(t *testing.T) {
	r := NewRing[int](1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			r.Send(i)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Send blocked on a full ring")
	}
}

func TestRingCloseEndsRange(t *testing.T) {
	r := NewRing[int](2)
	r.Send(7)
	r.Close()

	var got []int
	for v := range r.C() {
		got = append(got, v)
	}
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("drained %v, want [7]", got)
	}
}

func TestEventConstructorsCopyData(t *testing.T) {
	buf := []byte("abc")
	ev := Output(buf)
	buf[0] = 'x'
	if string(ev.Data) != "abc" {
		t.Fatalf("Output aliased the producer buffer: %q", ev.Data)
	}

	in := Input([]byte("hi"))
	if in.Type != TypeInput || string(in.Data) != "hi" {
		t.Fatalf("Input = %+v", in)
	}

	rs := Resize(40, 120)
	if rs.Rows != 40 || rs.Cols != 120 {
		t.Fatalf("Resize = %+v", rs)
	}

	tr := Transcript("hello", time.Time{})
	if tr.Text != "hello" || tr.At.IsZero() {
		t.Fatalf("Transcript = %+v", tr)
	}
}

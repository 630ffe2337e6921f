package cli

import (
	"reflect"
	"testing"
)

func TestRingBufferBasics(t *testing.T) {
	rb := NewRingBuffer(3)

	rb.Write("a")
	rb.Write("b")
	if got := rb.Lines(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Lines() = %v, want [a b]", got)
	}
	if rb.Size() != 2 {
		t.Errorf("Size() = %d, want 2", rb.Size())
	}
}

func TestRingBufferWraps(t *testing.T) {
	rb := NewRingBuffer(3)

	for _, line := range []string{"a", "b", "c", "d", "e"} {
		rb.Write(line)
	}

	if got := rb.Lines(); !reflect.DeepEqual(got, []string{"c", "d", "e"}) {
		t.Errorf("Lines() after wrap = %v, want [c d e]", got)
	}
}

func TestRingBufferClear(t *testing.T) {
	rb := NewRingBuffer(3)
	rb.Write("a")
	rb.Clear()

	if rb.Size() != 0 {
		t.Errorf("Size() after Clear = %d, want 0", rb.Size())
	}
	if got := rb.Lines(); len(got) != 0 {
		t.Errorf("Lines() after Clear = %v, want empty", got)
	}
}

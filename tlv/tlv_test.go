package tlv

import (
	"reflect"
	"testing"
)

func TestWalker_Next(t *testing.T) {
	// 84 03 AABBCC (primitive, DF name) followed by A5 02 0102 (constructed)
	raw := []byte{0x84, 0x03, 0xAA, 0xBB, 0xCC, 0xA5, 0x02, 0x01, 0x02}
	w := NewWalker(raw)

	n1, ok := w.Next()
	if !ok {
		t.Fatal("expected first node")
	}
	if n1.Tag != 0x84 || !reflect.DeepEqual(n1.Data, []byte{0xAA, 0xBB, 0xCC}) {
		t.Errorf("node1 = %+v", n1)
	}

	n2, ok := w.Next()
	if !ok {
		t.Fatal("expected second node")
	}
	if n2.Tag != 0xA5 || n2.Form != FormConstructed {
		t.Errorf("node2 = %+v", n2)
	}

	if _, ok := w.Next(); ok {
		t.Fatal("expected no more nodes")
	}
}

func TestWalker_LongLength(t *testing.T) {
	data := make([]byte, 200)
	raw := append([]byte{0x85, 0x81, 0xC8}, data...)
	w := NewWalker(raw)
	n, ok := w.Next()
	if !ok {
		t.Fatal("expected node")
	}
	if len(n.Data) != 200 {
		t.Errorf("len(Data) = %d, want 200", len(n.Data))
	}
}

func TestFind(t *testing.T) {
	raw := []byte{0x84, 0x02, 0x11, 0x22, 0xC7, 0x01, 0x05}
	data, err := Find(raw, 0xC7)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if !reflect.DeepEqual(data, []byte{0x05}) {
		t.Errorf("Find() = %X, want 05", data)
	}
}

func TestFind_NotFound(t *testing.T) {
	raw := []byte{0x84, 0x01, 0x11}
	if _, err := Find(raw, 0xFF); err == nil {
		t.Fatal("expected error for missing tag")
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	built := Marshal(0x84, []byte{0xAA, 0xBB})
	w := NewWalker(built)
	n, ok := w.Next()
	if !ok {
		t.Fatal("expected node")
	}
	if n.Tag != 0x84 || !reflect.DeepEqual(n.Data, []byte{0xAA, 0xBB}) {
		t.Errorf("round-trip mismatch: %+v", n)
	}
}

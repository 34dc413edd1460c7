package atomic

import "testing"

func TestInt32(t *testing.T) {
	var v Int32
	v.Store(5)
	if v.Load() != 5 {
		t.Fatalf("Load() = %d, want 5", v.Load())
	}
	if v.Dec() != 4 {
		t.Fatalf("Dec() = %d, want 4", v.Load())
	}
	if !v.CAS(4, 10) {
		t.Fatal("CAS(4,10) should succeed")
	}
	if v.Load() != 10 {
		t.Fatalf("Load() after CAS = %d, want 10", v.Load())
	}
}

func TestInt64(t *testing.T) {
	var v Int64
	v.Store(1)
	if v.Inc() != 2 {
		t.Fatalf("Inc() = %d, want 2", v.Load())
	}
	if v.Add(3) != 5 {
		t.Fatalf("Add(3) = %d, want 5", v.Load())
	}
}

func TestBool(t *testing.T) {
	var b Bool
	if b.Load() {
		t.Fatal("zero value must be false")
	}
	b.Store(true)
	if !b.Load() {
		t.Fatal("Load() should be true after Store(true)")
	}
	if !b.CAS(true, false) {
		t.Fatal("CAS(true,false) should succeed")
	}
	if b.Load() {
		t.Fatal("Load() should be false after CAS to false")
	}
}

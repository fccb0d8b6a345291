package kv

import "testing"

func TestMemStoreGetSetDelete(t *testing.T) {
	s := NewMemStore()
	if _, ok, err := s.Get([]byte("missing")); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}

	if err := s.Set([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := s.Get([]byte("k"))
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("get: v=%q ok=%v err=%v", v, ok, err)
	}

	if err := s.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get([]byte("k")); ok {
		t.Fatal("expected key to be gone after delete")
	}
}

func TestOpenDispatchesByScheme(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("open empty: %v", err)
	}
	if _, ok := s.(*MemStore); !ok {
		t.Fatalf("expected MemStore for empty scheme, got %T", s)
	}

	s2, err := Open("mem:")
	if err != nil {
		t.Fatalf("open mem: %v", err)
	}
	if _, ok := s2.(*MemStore); !ok {
		t.Fatalf("expected MemStore, got %T", s2)
	}

	if _, err := Open("bogus://whatever"); err == nil {
		t.Fatal("expected an error for an unknown scheme")
	}
}

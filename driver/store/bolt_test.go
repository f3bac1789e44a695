package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltStoreSetGet(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.Get("missing"); err != nil || ok {
		t.Errorf("Get missing: got ok=%t, err=%v", ok, err)
	}
	if err := s.Set("k", "v1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("k", "v2"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	v, ok, err := s.Get("k")
	if err != nil || !ok || v != "v2" {
		t.Errorf("Get: got %q, ok=%t, err=%v, want v2", v, ok, err)
	}
}

func TestBoltStoreDeleteAll(t *testing.T) {
	s := openTestStore(t)

	for _, k := range []string{"a", "b", "c"} {
		if err := s.Set(k, "x"); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}
	if err := s.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	for _, k := range []string{"a", "b", "c"} {
		if _, ok, err := s.Get(k); err != nil || ok {
			t.Errorf("Get %s after DeleteAll: ok=%t, err=%v", k, ok, err)
		}
	}
	// The store stays usable after a wipe.
	if err := s.Set("d", "y"); err != nil {
		t.Errorf("Set after DeleteAll: %v", err)
	}
}

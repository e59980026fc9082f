package vatstore

import (
	"path/filepath"
	"testing"

	_ "github.com/tliron/commonlog/simple"
)

func TestSetGetDelete(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if _, ok := store.Get("missing"); ok {
		t.Fatal("missing key reported present")
	}
	if err := store.Set("a", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok := store.Get("a"); !ok || v != "1" {
		t.Fatalf("Get = %q, %v; want 1, true", v, ok)
	}
	if err := store.Set("a", "2"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	if v, _ := store.Get("a"); v != "2" {
		t.Fatalf("overwrite lost: %q", v)
	}
	if err := store.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := store.Get("a"); ok {
		t.Fatal("deleted key reported present")
	}
	// Deleting an absent key is fine.
	if err := store.Delete("a"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Set("vvs.counter", "41"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	if v, ok := store.Get("vvs.counter"); !ok || v != "41" {
		t.Fatalf("Get after reopen = %q, %v; want 41, true", v, ok)
	}
}

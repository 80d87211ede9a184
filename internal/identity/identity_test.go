package identity

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDeriveHardwareKeyDeterministic(t *testing.T) {
	fp := []byte("test-fingerprint")

	k1, err := DeriveHardwareKey(fp)
	if err != nil {
		t.Fatalf("DeriveHardwareKey() failed: %v", err)
	}
	k2, err := DeriveHardwareKey(fp)
	if err != nil {
		t.Fatalf("DeriveHardwareKey() failed: %v", err)
	}

	if k1 != k2 {
		t.Errorf("hardwareKey not deterministic: %q != %q", k1, k2)
	}
	if k1 == "" {
		t.Error("hardwareKey is empty")
	}
}

func TestDeriveHardwareKeyDiffersByFingerprint(t *testing.T) {
	k1, err := DeriveHardwareKey([]byte("device-a"))
	if err != nil {
		t.Fatalf("DeriveHardwareKey() failed: %v", err)
	}
	k2, err := DeriveHardwareKey([]byte("device-b"))
	if err != nil {
		t.Fatalf("DeriveHardwareKey() failed: %v", err)
	}

	if k1 == k2 {
		t.Error("distinct fingerprints produced the same hardwareKey")
	}
}

func TestDeriveHardwareKeyRejectsEmpty(t *testing.T) {
	if _, err := DeriveHardwareKey(nil); err == nil {
		t.Error("expected error for empty fingerprint")
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "identity.db")

	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	defer store.Close()

	if _, err := store.Load(); err != ErrNoCredentials {
		t.Fatalf("Load() on empty store = %v, want ErrNoCredentials", err)
	}

	want := &Credentials{
		CMSKey:       "cms-key-123",
		HardwareKey:  "hw-key-abc",
		DisplayName:  "Lobby Display",
		DisplayID:    "disp-001",
		RegisteredAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := store.Save(want); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got.CMSKey != want.CMSKey || got.HardwareKey != want.HardwareKey || got.DisplayID != want.DisplayID {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}

func TestStoreSaveOverwrites(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "identity.db")
	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	defer store.Close()

	first := &Credentials{CMSKey: "a", HardwareKey: "hw", DisplayName: "n", DisplayID: "1", RegisteredAt: time.Now()}
	second := &Credentials{CMSKey: "b", HardwareKey: "hw", DisplayName: "n2", DisplayID: "1", RegisteredAt: time.Now()}

	if err := store.Save(first); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if err := store.Save(second); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got.CMSKey != "b" {
		t.Errorf("Load() after overwrite CMSKey = %q, want %q", got.CMSKey, "b")
	}
}

package capture

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadGUIDCreatesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slot", "ptpip_guid")

	first, err := LoadGUID(path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := LoadGUID(path)
	if err != nil {
		t.Fatal(err)
	}
	// Cameras pair against the GUID: it must never change between loads.
	if first != second {
		t.Fatalf("guid changed between loads: %s vs %s", first, second)
	}
}

func TestLoadGUIDCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ptpip_guid")
	if err := os.WriteFile(path, []byte("not-a-uuid"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadGUID(path); err == nil {
		t.Fatal("expected error for corrupt guid file")
	}
}

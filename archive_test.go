package fleetsync

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSnapshotArchiverWritesGzippedJSON(t *testing.T) {
	dir := t.TempDir()
	arch, err := NewSnapshotArchiver(ArchiveConfig{Dir: dir}, "dev-1", testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	arch.now = func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) }

	purged := &PurgeResult{
		Trips:    []*TripRecord{{LocalID: "loc-1", ServerID: 42, VehicleID: 1}},
		Expenses: []*ExpenseRecord{{LocalID: "loc-2", Category: "fuel", TotalValue: 50}},
		GPS:      7,
	}
	if err := arch.Archive(context.Background(), purged); err != nil {
		t.Fatalf("archive: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("files = %d, want 1", len(entries))
	}
	name := entries[0].Name()
	if name != "archive-20260301-080000.json.gz" {
		t.Errorf("file name = %q", name)
	}

	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	var snap archiveSnapshot
	if err := json.NewDecoder(gz).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.DeviceID != "dev-1" {
		t.Errorf("device id = %q", snap.DeviceID)
	}
	if len(snap.Trips) != 1 || snap.Trips[0].ServerID != 42 {
		t.Errorf("trips = %+v", snap.Trips)
	}
	if snap.GPSCount != 7 {
		t.Errorf("gps count = %d, want 7", snap.GPSCount)
	}
}

func TestSnapshotArchiverSkipsEmptyPurge(t *testing.T) {
	dir := t.TempDir()
	arch, err := NewSnapshotArchiver(ArchiveConfig{Dir: dir}, "dev-1", testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := arch.Archive(context.Background(), &PurgeResult{}); err != nil {
		t.Fatalf("archive empty: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("empty purge produced %d files", len(entries))
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	if err := writeFileAtomic(path, []byte("data")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("content = %q", got)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

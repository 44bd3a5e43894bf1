package trace

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"
	"time"
)

// TestWriterAppendsJSONL verifies records land one per line in the daily
// file.
func TestWriterAppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, nil)
	w.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	defer w.Close()

	w.Append(Record{ChatID: "c1", Model: "m", LatencyMs: 100})
	w.Append(Record{ChatID: "c2", Model: "m", LatencyMs: 200, Category: "timeout"})

	f, err := os.Open(w.FileFor("2026-03-01"))
	if err != nil {
		t.Fatalf("open trace file: %v", err)
	}
	defer f.Close()

	var recs []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("line not JSON: %v", err)
		}
		recs = append(recs, r)
	}
	if len(recs) != 2 || recs[0].ChatID != "c1" || recs[1].Category != "timeout" {
		t.Errorf("records = %+v, want two in order", recs)
	}
	if recs[0].Timestamp == 0 {
		t.Error("timestamp not stamped")
	}
}

// TestWriterRollsAtDayBoundary verifies the file rolls over when the UTC day
// changes.
func TestWriterRollsAtDayBoundary(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, nil)
	defer w.Close()

	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return day }
	w.Append(Record{ChatID: "before"})

	day = day.Add(2 * time.Minute)
	w.Append(Record{ChatID: "after"})

	if _, err := os.Stat(w.FileFor("2026-03-01")); err != nil {
		t.Errorf("first day file missing: %v", err)
	}
	if _, err := os.Stat(w.FileFor("2026-03-02")); err != nil {
		t.Errorf("second day file missing: %v", err)
	}
}

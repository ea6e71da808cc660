package commitlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestOpenCreatesHeaderOnFreshFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commit_log.txt")

	log, total, watermark, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer log.Close()

	if total != 0 || watermark != 0 {
		t.Fatalf("fresh log: total=%d watermark=%d, want 0, 0", total, watermark)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(data) != headerWidth {
		t.Fatalf("fresh log header length = %d, want %d", len(data), headerWidth)
	}
	if string(data) != "Snapshotted Until Line: 0000000" {
		t.Fatalf("fresh log header = %q", data)
	}
}

func TestPersistAppendsAndCounts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commit_log.txt")

	log, _, _, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer log.Close()

	commits := make(chan Commit)
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		log.Persist(commits, done)
		close(finished)
	}()

	commits <- Commit{Key: 1, Value: "a"}
	commits <- Commit{Key: 2, Value: "b"}
	close(commits)
	<-finished

	if log.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", log.Count())
	}

	watermark, total, err := readWatermarkAndTotal(path)
	if err != nil {
		t.Fatalf("readWatermarkAndTotal failed: %v", err)
	}
	if watermark != 0 || total != 2 {
		t.Fatalf("watermark=%d total=%d, want 0, 2", watermark, total)
	}
}

func TestParseLineKeepsArrowInValue(t *testing.T) {
	key, value, ok := ParseLine("42 -> hello world")
	if !ok {
		t.Fatal("ParseLine reported failure on well-formed line")
	}
	if key != 42 {
		t.Fatalf("key = %d, want 42", key)
	}
	// Splitting on the first space only leaves "-> hello world" as the
	// value, matching the persisted line format exactly.
	if value != "-> hello world" {
		t.Fatalf("value = %q, want %q", value, "-> hello world")
	}
}

func TestParseLineRejectsMalformed(t *testing.T) {
	if _, _, ok := ParseLine("notanumber -> v"); ok {
		t.Fatal("expected ParseLine to reject a non-numeric key")
	}
	if _, _, ok := ParseLine("nospacehere"); ok {
		t.Fatal("expected ParseLine to reject a line with no space")
	}
}

func TestRewriteWatermarkInPlace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commit_log.txt")

	log, _, _, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer log.Close()

	if err := log.RewriteWatermark(123); err != nil {
		t.Fatalf("RewriteWatermark failed: %v", err)
	}

	watermark, _, err := readWatermarkAndTotal(path)
	if err != nil {
		t.Fatalf("readWatermarkAndTotal failed: %v", err)
	}
	if watermark != 123 {
		t.Fatalf("watermark = %d, want 123", watermark)
	}
}

func TestReplayLinesRespectsRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commit_log.txt")

	log, _, _, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	commits := make(chan Commit)
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		log.Persist(commits, done)
		close(finished)
	}()
	for i := uint64(0); i < 5; i++ {
		commits <- Commit{Key: i, Value: "v"}
	}
	close(commits)
	<-finished
	log.Close()

	lines, err := ReplayLines(path, 2, 5)
	if err != nil {
		t.Fatalf("ReplayLines failed: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("ReplayLines returned %d lines, want 3", len(lines))
	}
}

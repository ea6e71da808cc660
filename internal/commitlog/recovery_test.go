package commitlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pranav-super/secko/internal/store"
)

func TestRecoverFromEmptyState(t *testing.T) {
	dir := t.TempDir()
	st, log, err := Recover(filepath.Join(dir, "snap"), filepath.Join(dir, "commit_log.txt"), testLogger())
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	defer log.Close()

	if st.Len() != 0 {
		t.Fatalf("recovered store Len() = %d, want 0", st.Len())
	}
	if log.Count() != 0 {
		t.Fatalf("recovered log Count() = %d, want 0", log.Count())
	}
}

func TestRecoverReplaysUnsnapshottedTail(t *testing.T) {
	dir := t.TempDir()
	commitPath := filepath.Join(dir, "commit_log.txt")
	snapshotPath := filepath.Join(dir, "snap")

	log, _, _, err := Open(commitPath, testLogger())
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
	commits <- Commit{Key: 1, Value: "first"}
	commits <- Commit{Key: 2, Value: "second"}
	close(commits)
	<-finished

	// Snapshot reflects only the first commit; watermark = 1.
	st := store.New[string]()
	st.Insert(1, "first")
	snapFile, err := os.Create(snapshotPath)
	if err != nil {
		t.Fatalf("os.Create failed: %v", err)
	}
	if err := st.Serialize(snapFile); err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	snapFile.Close()
	if err := log.RewriteWatermark(1); err != nil {
		t.Fatalf("RewriteWatermark failed: %v", err)
	}
	log.Close()

	recovered, recLog, err := Recover(snapshotPath, commitPath, testLogger())
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	defer recLog.Close()

	if recovered.Len() != 2 {
		t.Fatalf("recovered store Len() = %d, want 2 (1 from snapshot + 1 replayed)", recovered.Len())
	}
	if _, ok := recovered.Get(1); !ok {
		t.Fatal("recovered store missing snapshotted key 1")
	}
	if _, ok := recovered.Get(2); !ok {
		t.Fatal("recovered store missing replayed key 2")
	}
	if recLog.Count() != 2 {
		t.Fatalf("recovered log Count() = %d, want 2", recLog.Count())
	}
}

package local_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/snehjoshi/batchq/internal/id"
	"github.com/snehjoshi/batchq/internal/storage"
	"github.com/snehjoshi/batchq/internal/storage/local"
	"github.com/snehjoshi/batchq/internal/types"
)

func openJournal(t *testing.T, path string) *local.Journal {
	t.Helper()
	j, err := local.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return j
}

func item(seq uint64, st types.Status) types.Item {
	at := time.Date(2024, 3, 1, 12, 0, int(seq), 0, time.UTC)
	return types.Item{
		Seq:         seq,
		Destination: types.Destination{Path: "file", Params: map[string]string{"name": "a.csv"}},
		Payload:     []byte("a,b\n1,2\n"),
		Status:      st,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func TestJournal_PutGet(t *testing.T) {
	j := openJournal(t, filepath.Join(t.TempDir(), "j.db"))
	defer j.Close()

	want := item(1, types.StatusNotFound)
	want.HasResponse = true
	want.ResponseCode = 404
	want.ResponseBody = []byte(`{"error":"missing"}`)
	want.Attempts = 2

	if err := j.Put(want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := j.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Get mismatch (-want +got):\n%s", diff)
	}

	if _, err := j.Get(2); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get missing: want ErrNotFound, got %v", err)
	}
}

func TestJournal_ForEachInSeqOrder(t *testing.T) {
	j := openJournal(t, filepath.Join(t.TempDir(), "j.db"))
	defer j.Close()

	// 256 and 257 would sort before 3 with a decimal string key.
	for _, seq := range []uint64{257, 3, 1, 256, 2} {
		if err := j.Put(item(seq, types.StatusPending)); err != nil {
			t.Fatalf("Put %d: %v", seq, err)
		}
	}
	var got []uint64
	err := j.ForEach(func(it types.Item) error {
		got = append(got, it.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if diff := cmp.Diff([]uint64{1, 2, 3, 256, 257}, got); diff != "" {
		t.Errorf("ForEach order (-want +got):\n%s", diff)
	}
	if j.Len() != 5 {
		t.Errorf("Len: want 5, got %d", j.Len())
	}
}

func TestJournal_PutOverwrites(t *testing.T) {
	j := openJournal(t, filepath.Join(t.TempDir(), "j.db"))
	defer j.Close()

	_ = j.Put(item(1, types.StatusInFlight))
	_ = j.Put(item(1, types.StatusSuccess))

	got, err := j.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != types.StatusSuccess {
		t.Errorf("status: want success, got %s", got.Status)
	}
	if j.Len() != 1 {
		t.Errorf("Len: want 1, got %d", j.Len())
	}
}

func TestJournal_ReopenKeepsRunID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "j.db")
	j := openJournal(t, path)
	runID := j.RunID()
	if !id.Valid(runID) {
		t.Fatalf("RunID %q is not a ULID", runID)
	}
	_ = j.Put(item(1, types.StatusTimeout))
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2 := openJournal(t, path)
	defer j2.Close()
	if j2.RunID() != runID {
		t.Errorf("RunID after reopen: want %s, got %s", runID, j2.RunID())
	}
	got, err := j2.Get(1)
	if err != nil || got.Status != types.StatusTimeout {
		t.Errorf("Get after reopen: status=%s err=%v", got.Status, err)
	}
	if j2.Path() != path {
		t.Errorf("Path: want %s, got %s", path, j2.Path())
	}
}

func TestJournal_CloseTwice(t *testing.T) {
	j := openJournal(t, filepath.Join(t.TempDir(), "j.db"))
	if err := j.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

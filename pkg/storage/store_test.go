package storage

import (
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestStoreArchive(t *testing.T) {
	store := testStore(t)

	rec := TaskRecord{
		ConnectionId: "c1",
		TaskId:       "t1",
		Domain:       "chat",
		Status:       "done",
		Chunks:       2,
		Created:      time.Now().Add(-time.Second),
		Completed:    time.Now(),
	}
	if err := store.Archive(rec, "Hi there"); err != nil {
		t.Fatal(err)
	}

	fetched, err := store.QueryId("c1", "t1")
	if err != nil {
		t.Fatal(err)
	}

	if fetched.Status != "done" {
		t.Fatalf("expected status done, got %s", fetched.Status)
	} else if fetched.Chunks != 2 {
		t.Fatalf("expected 2 chunks, got %d", fetched.Chunks)
	}

	if content, err := store.Content(fetched); err != nil {
		t.Fatal(err)
	} else if content != "Hi there" {
		t.Fatalf("expected content \"Hi there\", got %q", content)
	}
}

func TestStoreQueryConnection(t *testing.T) {
	store := testStore(t)

	for _, rec := range []TaskRecord{
		{ConnectionId: "c1", TaskId: "t1", Status: "done"},
		{ConnectionId: "c1", TaskId: "t2", Status: "cancelled"},
		{ConnectionId: "c2", TaskId: "t1", Status: "done"},
	} {
		if err := store.Archive(rec, ""); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := store.Query("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records for c1, got %d", len(recs))
	}

	// archiving the same task again overwrites, never duplicates
	if err := store.Archive(TaskRecord{ConnectionId: "c1", TaskId: "t1", Status: "error"}, ""); err != nil {
		t.Fatal(err)
	}

	if recs, err := store.Query("c1"); err != nil {
		t.Fatal(err)
	} else if len(recs) != 2 {
		t.Fatalf("expected the upsert to keep 2 records, got %d", len(recs))
	}

	if rec, err := store.QueryId("c1", "t1"); err != nil {
		t.Fatal(err)
	} else if rec.Status != "error" {
		t.Fatalf("expected the overwritten status, got %s", rec.Status)
	}
}

// Package storage persists terminal task records in a badgerhold database.
//
// Archiving is a maintenance surface for inspection and dashboards; protocol
// correctness never depends on it. Accumulated task output is xz-compressed
// before it hits the disk.
package storage

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/timshannon/badgerhold"
	"github.com/ulikunitz/xz"
)

// TaskRecord is the archived view of one finished task.
type TaskRecord struct {
	Key string `badgerhold:"key"`

	ConnectionId string
	TaskId       string
	Domain       string
	Status       string
	Chunks       int

	Created   time.Time
	Completed time.Time

	// Content is the xz-compressed accumulated task output.
	Content []byte
}

// Store wraps the badgerhold database holding TaskRecords.
type Store struct {
	bh *badgerhold.Store
}

// NewStore opens, or creates, a Store below dir.
func NewStore(dir string) (s *Store, err error) {
	opts := badgerhold.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir

	if dirErr := os.MkdirAll(dir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	if bh, bhErr := badgerhold.Open(opts); bhErr != nil {
		err = bhErr
	} else {
		s = &Store{bh: bh}
	}
	return
}

// Close the Store.
func (s *Store) Close() error {
	return s.bh.Close()
}

// Archive stores one finished task, compressing its accumulated content.
func (s *Store) Archive(rec TaskRecord, content string) error {
	var buff bytes.Buffer

	w, err := xz.NewWriter(&buff)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, content); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	rec.Key = rec.ConnectionId + "/" + rec.TaskId
	rec.Content = buff.Bytes()

	return s.bh.Upsert(rec.Key, rec)
}

// Query returns all records of one connection.
func (s *Store) Query(connectionId string) (recs []TaskRecord, err error) {
	err = s.bh.Find(&recs, badgerhold.Where("ConnectionId").Eq(connectionId))
	return
}

// QueryId fetches the record of one task.
func (s *Store) QueryId(connectionId, taskId string) (rec TaskRecord, err error) {
	err = s.bh.Get(connectionId+"/"+taskId, &rec)
	return
}

// Content decompresses a record's archived task output.
func (s *Store) Content(rec TaskRecord) (string, error) {
	r, err := xz.NewReader(bytes.NewReader(rec.Content))
	if err != nil {
		return "", err
	}

	content, err := io.ReadAll(r)
	return string(content), err
}

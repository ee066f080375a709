// Package ledger keeps a persistent record of schedule uploads and of
// starts fired by the host, so a restarted controller neither forgets
// what it pushed nor fires a session twice.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/segmentio/ksuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Atomregen/startAmpelBLE/pkg/log"
)

const (
	uploadPrefix  = "upload/"
	startedPrefix = "started/"

	// StartedTTL bounds how long a started mark is kept.
	StartedTTL = 48 * time.Hour
)

// Upload is one completed schedule upload.
type Upload struct {
	ID         string    `msgpack:"id" json:"id"`
	Device     string    `msgpack:"device" json:"device"`
	Profile    string    `msgpack:"profile" json:"profile"`
	Digest     string    `msgpack:"digest" json:"digest"`
	Sessions   int       `msgpack:"sessions" json:"sessions"`
	Frames     int       `msgpack:"frames" json:"frames"`
	Mode       string    `msgpack:"mode" json:"mode"`
	SessionIDs []string  `msgpack:"session_ids" json:"sessionIDs,omitempty"`
	At         time.Time `msgpack:"at" json:"at"`
}

// Start is a session the host triggered.
type Start struct {
	ID        string    `msgpack:"id" json:"id"`
	Device    string    `msgpack:"device" json:"device"`
	Key       string    `msgpack:"key" json:"key"`
	Name      string    `msgpack:"name" json:"name"`
	StartTime int64     `msgpack:"start_time" json:"startTime"`
	At        time.Time `msgpack:"at" json:"at"`
}

// Options selects where the ledger lives.
type Options struct {
	Path     string
	InMemory bool
}

// Store is a badger-backed ledger.
type Store struct {
	db  *badger.DB
	log *log.Logger
}

// Open opens or creates the ledger.
func Open(opts Options) (*Store, error) {
	l := log.GetLogger("ledger")
	bo := badger.DefaultOptions(opts.Path).WithLogger(badgerLogger{l}).WithLoggingLevel(badger.WARNING)
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{l}).WithLoggingLevel(badger.WARNING)
	}
	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Store{db: db, log: l}, nil
}

// OpenInMemory opens a ledger that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	return Open(Options{InMemory: true})
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) put(key string, v interface{}, ttl time.Duration) error {
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), buf)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// RecordUpload stores u, assigning ID and At when unset.
func (s *Store) RecordUpload(u *Upload) error {
	if u.ID == "" {
		u.ID = ksuid.New().String()
	}
	if u.At.IsZero() {
		u.At = time.Now()
	}
	return s.put(uploadKey(u), u, 0)
}

// Upload keys sort by time so iteration order is chronological.
func uploadKey(u *Upload) string {
	return fmt.Sprintf("%s%020d/%s", uploadPrefix, u.At.UnixNano(), u.ID)
}

// Uploads returns up to limit uploads, newest first. limit <= 0 means all.
func (s *Store) Uploads(limit int) ([]Upload, error) {
	var out []Upload
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(uploadPrefix)
		// Reverse iteration seeks from just past the prefix range.
		for it.Seek([]byte(uploadPrefix + "\xff")); it.ValidForPrefix(prefix); it.Next() {
			var u Upload
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &u)
			}); err != nil {
				return err
			}
			out = append(out, u)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	return out, nil
}

// LastUpload returns the newest upload for device, or nil.
func (s *Store) LastUpload(device string) (*Upload, error) {
	all, err := s.Uploads(0)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Device == device {
			return &all[i], nil
		}
	}
	return nil, nil
}

// StartKey identifies a session across refetches: its id when the API
// supplied one, otherwise name and start time.
func StartKey(sessionID, name string, startTime int64) string {
	if sessionID != "" {
		return sessionID
	}
	return fmt.Sprintf("%s@%d", name, startTime)
}

func startedKey(device, key string) string {
	return startedPrefix + device + "/" + key
}

// MarkStarted records that the host fired st. Marks expire after
// StartedTTL.
func (s *Store) MarkStarted(st *Start) error {
	if st.ID == "" {
		st.ID = ksuid.New().String()
	}
	if st.At.IsZero() {
		st.At = time.Now()
	}
	return s.put(startedKey(st.Device, st.Key), st, StartedTTL)
}

// WasStarted reports whether a start was recorded for key on device.
func (s *Store) WasStarted(device, key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(startedKey(device, key)))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case err == badger.ErrKeyNotFound:
		return false, nil
	}
	return false, err
}

// Started lists the recorded starts for device.
func (s *Store) Started(device string) ([]Start, error) {
	var out []Start
	prefix := []byte(startedPrefix + device + "/")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var st Start
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &st)
			}); err != nil {
				return err
			}
			out = append(out, st)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list starts: %w", err)
	}
	return out, nil
}

// badgerLogger routes badger's logging through the ledger logger.
type badgerLogger struct {
	l *log.Logger
}

func (b badgerLogger) Errorf(f string, v ...interface{}) {
	b.l.Error(strings.TrimSpace(f), v...)
}

func (b badgerLogger) Warningf(f string, v ...interface{}) {
	b.l.Warn(strings.TrimSpace(f), v...)
}

func (b badgerLogger) Infof(f string, v ...interface{}) {
	b.l.Info(strings.TrimSpace(f), v...)
}

func (b badgerLogger) Debugf(f string, v ...interface{}) {
	b.l.Debug(strings.TrimSpace(f), v...)
}

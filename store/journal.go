package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/whisperpipe/push"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	envelopesBucket = "envelopes"

	// receivedAtSize prefixes each stored value with the arrival time.
	receivedAtSize = 8

	openTimeout = time.Second
)

var (
	// ErrNotFound is returned by Remove for an unknown entry.
	ErrNotFound = errors.New("journal entry not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("journal is closed")
)

// Entry is one journaled envelope.
type Entry struct {
	ID         uuid.UUID
	ReceivedAt time.Time
	Envelope   *push.Envelope
}

// Journal is a bbolt-backed envelope journal. It is safe for concurrent
// use.
type Journal struct {
	mu     sync.RWMutex
	db     *bolt.DB
	path   string
	now    func() time.Time
	closed bool
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(envelopesBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "store.Open",
		"path":     path,
	}).Info("Journal opened")
	return &Journal{db: db, path: path, now: time.Now}, nil
}

// Append stores env and returns its entry id.
func (j *Journal) Append(env *push.Envelope) (uuid.UUID, error) {
	if env == nil {
		return uuid.Nil, errors.New("envelope cannot be nil")
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return uuid.Nil, ErrClosed
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, err
	}
	raw := env.Marshal()
	value := make([]byte, receivedAtSize, receivedAtSize+len(raw))
	binary.BigEndian.PutUint64(value, uint64(j.now().UnixNano()))
	value = append(value, raw...)

	err = j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(envelopesBucket)).Put(id[:], value)
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("append envelope: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Journal.Append",
		"id":        id.String(),
		"type":      env.Type.String(),
		"timestamp": env.Timestamp,
	}).Debug("Envelope journaled")
	return id, nil
}

// OnEnvelope implements interfaces.EnvelopeObserver.
func (j *Journal) OnEnvelope(env *push.Envelope) error {
	_, err := j.Append(env)
	return err
}

// Pending returns every journaled entry in arrival order. An entry that
// no longer decodes is logged and skipped.
func (j *Journal) Pending() ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}

	var out []Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(envelopesBucket)).ForEach(func(k, v []byte) error {
			entry, err := decodeEntry(k, v)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Journal.Pending",
					"key":      fmt.Sprintf("%x", k),
					"error":    err.Error(),
				}).Warn("Skipping corrupt journal entry")
				return nil
			}
			out = append(out, entry)
			return nil
		})
	})
	return out, err
}

func decodeEntry(k, v []byte) (Entry, error) {
	id, err := uuid.FromBytes(k)
	if err != nil {
		return Entry{}, err
	}
	if len(v) < receivedAtSize {
		return Entry{}, errors.New("truncated entry")
	}
	// bbolt values are only valid inside the transaction.
	raw := append([]byte(nil), v[receivedAtSize:]...)
	env, err := push.UnmarshalEnvelope(raw)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		ID:         id,
		ReceivedAt: time.Unix(0, int64(binary.BigEndian.Uint64(v))),
		Envelope:   env,
	}, nil
}

// Len returns the number of journaled entries.
func (j *Journal) Len() (int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return 0, ErrClosed
	}
	var n int
	err := j.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(envelopesBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

// Remove deletes the entry with id.
func (j *Journal) Remove(id uuid.UUID) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(envelopesBucket))
		if bkt.Get(id[:]) == nil {
			return ErrNotFound
		}
		return bkt.Delete(id[:])
	})
}

// Close closes the database. It is safe to call more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	logrus.WithFields(logrus.Fields{
		"function": "Journal.Close",
		"path":     j.path,
	}).Info("Journal closed")
	return j.db.Close()
}

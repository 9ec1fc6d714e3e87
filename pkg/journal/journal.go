// Package journal persists a per-user append-only record of published
// fixes and arrival events, so a restarted daemon can reconstruct what
// was already reported.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/safereach/safereach/pkg"
	"github.com/safereach/safereach/pkg/logx"
)

const (
	// EntriesBucket holds one nested bucket per user ID, keyed by sequence.
	EntriesBucket = "entries"
	// MetadataBucket holds journal-level bookkeeping.
	MetadataBucket = "metadata"
)

// Entry kinds.
const (
	KindFix     = "fix"
	KindArrival = "arrival"
)

// Entry is one journaled event.
type Entry struct {
	Kind       string      `json:"kind"`
	RecordedAt time.Time   `json:"recorded_at"`
	TripID     string      `json:"trip_id,omitempty"`
	Fix        *pkg.GeoFix `json:"fix,omitempty"`
	Message    string      `json:"message,omitempty"`
	Recipients []string    `json:"recipients,omitempty"`
}

// Config holds journal configuration.
type Config struct {
	Path string `json:"path" yaml:"path"`
	// MaxEntriesPerUser bounds each user's history; oldest entries are
	// dropped first. Zero means unbounded.
	MaxEntriesPerUser int `json:"max_entries_per_user" yaml:"max_entries_per_user"`
}

// DefaultConfig returns default journal configuration.
func DefaultConfig() *Config {
	return &Config{
		Path:              "/var/lib/safereach/journal.db",
		MaxEntriesPerUser: 5000,
	}
}

// Journal is a bbolt-backed event log. It implements the session's
// publishing interface so it can sit alongside the network sinks.
type Journal struct {
	config *Config
	logger *logx.Logger
	db     *bolt.DB
}

// NewJournal opens (creating if necessary) the journal database.
func NewJournal(config *Config, logger *logx.Logger) (*Journal, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	j := &Journal{config: config, logger: logger, db: db}
	if err := j.initializeBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal buckets: %w", err)
	}

	logger.Info("journal_opened", "path", config.Path)
	return j, nil
}

func (j *Journal) initializeBuckets() error {
	return j.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{EntriesBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// PublishFix appends a fix entry for the user.
func (j *Journal) PublishFix(_ context.Context, userID string, fix pkg.GeoFix) error {
	f := fix
	return j.append(userID, Entry{
		Kind:       KindFix,
		RecordedAt: time.Now().UTC(),
		Fix:        &f,
	})
}

// PublishArrival appends an arrival entry for the user.
func (j *Journal) PublishArrival(_ context.Context, userID, tripID, message string, recipients []string) error {
	return j.append(userID, Entry{
		Kind:       KindArrival,
		RecordedAt: time.Now().UTC(),
		TripID:     tripID,
		Message:    message,
		Recipients: append([]string(nil), recipients...),
	})
}

func (j *Journal) append(userID string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	return j.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(EntriesBucket))
		if root == nil {
			return fmt.Errorf("entries bucket not found")
		}
		user, err := root.CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return fmt.Errorf("failed to create user bucket: %w", err)
		}

		seq, err := user.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := user.Put(key, data); err != nil {
			return fmt.Errorf("failed to store journal entry: %w", err)
		}

		if j.config.MaxEntriesPerUser > 0 {
			return trimBucket(user, j.config.MaxEntriesPerUser)
		}
		return nil
	})
}

// trimBucket drops the oldest keys until at most max remain. The doomed
// keys are collected before any delete: mutating the bucket while a
// cursor iterates it makes the cursor skip keys.
func trimBucket(b *bolt.Bucket, max int) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	excess := len(keys) - max
	for i := 0; i < excess; i++ {
		if err := b.Delete(keys[i]); err != nil {
			return err
		}
	}
	return nil
}

// Replay returns the user's journaled entries in append order.
func (j *Journal) Replay(userID string) ([]Entry, error) {
	var entries []Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(EntriesBucket))
		if root == nil {
			return fmt.Errorf("entries bucket not found")
		}
		user := root.Bucket([]byte(userID))
		if user == nil {
			return nil
		}
		return user.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to unmarshal journal entry: %w", err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// HasArrival reports whether an arrival was already journaled for the user.
func (j *Journal) HasArrival(userID string) (bool, error) {
	found := false
	err := j.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(EntriesBucket))
		if root == nil {
			return nil
		}
		user := root.Bucket([]byte(userID))
		if user == nil {
			return nil
		}
		return user.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			if e.Kind == KindArrival {
				found = true
			}
			return nil
		})
	})
	return found, err
}

// Purge removes all journaled entries for the user.
func (j *Journal) Purge(userID string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(EntriesBucket))
		if root == nil {
			return nil
		}
		if root.Bucket([]byte(userID)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(userID))
	})
}

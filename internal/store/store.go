// Package store persists the dice a pool has seen, so they are listed
// before the first scan of the next run.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/chaz8081/pixels-central/internal/die"
)

const (
	bucketDice = "dice"
	keyPrefix  = "die:"
)

// ErrNoDeviceID is returned when saving a die that has not identified.
var ErrNoDeviceID = errors.New("store: die has no device id")

// Bolt stores die identities in a bbolt file keyed by device id.
type Bolt struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketDice))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket %q: %w", bucketDice, err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close bolt database: %w", err)
	}
	return nil
}

// Load returns every stored die, ordered by device id.
func (b *Bolt) Load() ([]die.Identity, error) {
	ids := make([]die.Identity, 0)
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketDice)).Cursor()
		prefix := []byte(keyPrefix)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var id die.Identity
			if err := json.Unmarshal(v, &id); err != nil {
				return fmt.Errorf("failed to unmarshal die %s: %w", k, err)
			}
			deviceID, err := strconv.ParseUint(strings.TrimPrefix(string(k), keyPrefix), 16, 32)
			if err != nil {
				return fmt.Errorf("invalid die key: %s", k)
			}
			id.DeviceID = uint32(deviceID)
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return ids, fmt.Errorf("failed to view bolt database: %w", err)
	}
	return ids, nil
}

// Save inserts or replaces the entry for id.DeviceID.
func (b *Bolt) Save(id die.Identity) error {
	if id.DeviceID == 0 {
		return ErrNoDeviceID
	}
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("failed to marshal die: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketDice)).Put(key(id.DeviceID), data)
	})
}

// Delete removes the entry for deviceID. Deleting a missing entry is not
// an error.
func (b *Bolt) Delete(deviceID uint32) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketDice)).Delete(key(deviceID))
	})
}

// fixed width keeps cursor order equal to numeric order
func key(deviceID uint32) []byte {
	return []byte(fmt.Sprintf("%s%08x", keyPrefix, deviceID))
}

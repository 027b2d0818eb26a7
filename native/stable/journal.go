package stable

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var journalBucket = []byte("stable/journal")

// Entry is one audit record appended after a committed state transition.
type Entry struct {
	ID           string
	Op           string
	Account      []byte
	Counterparty []byte
	Asset        string
	Amount       *big.Int
	DebtDelta    *big.Int
	HealthFactor *big.Int
	Timestamp    uint64
}

// Journal is an append-only operation log backed by bbolt. It is written
// after the ledger commit and exists for auditing, not for recovery: the
// ledger store is the source of truth.
type Journal struct {
	db *bolt.DB
}

// OpenJournal opens (or creates) the journal file at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("stable journal: open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(journalBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("stable journal: bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func normalizeEntry(entry *Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = uint64(time.Now().UTC().Unix())
	}
	if entry.Amount == nil {
		entry.Amount = big.NewInt(0)
	}
	if entry.DebtDelta == nil {
		entry.DebtDelta = big.NewInt(0)
	}
	if entry.HealthFactor == nil {
		entry.HealthFactor = big.NewInt(0)
	}
}

// Append writes the entry at the next sequence number.
func (j *Journal) Append(entry Entry) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("stable journal: not configured")
	}
	normalizeEntry(&entry)
	encoded, err := rlp.EncodeToBytes(entry)
	if err != nil {
		return fmt.Errorf("stable journal: encode: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(journalBucket)
		if bucket == nil {
			return fmt.Errorf("stable journal: bucket missing")
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bucket.Put(key, encoded)
	})
}

// Entries returns every record in append order.
func (j *Journal) Entries() ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("stable journal: not configured")
	}
	var out []Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(journalBucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, value []byte) error {
			var entry Entry
			if err := rlp.DecodeBytes(value, &entry); err != nil {
				return fmt.Errorf("stable journal: decode: %w", err)
			}
			out = append(out, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

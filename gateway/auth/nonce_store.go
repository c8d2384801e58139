package auth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"p2potc/storage"
)

const custodyNoncePrefix = "custody/nonce/"

// StoreNoncePersistence keeps accepted nonces in the engine's key/value
// store, one record per nonce holding its observation time.
type StoreNoncePersistence struct {
	db storage.Database
}

func NewStoreNoncePersistence(db storage.Database) *StoreNoncePersistence {
	return &StoreNoncePersistence{db: db}
}

func nonceKey(record NonceRecord) ([]byte, error) {
	fields := []string{
		strings.TrimSpace(record.APIKey),
		strings.TrimSpace(record.Timestamp),
		strings.TrimSpace(record.Nonce),
	}
	for _, f := range fields {
		if f == "" {
			return nil, errors.New("nonce record incomplete")
		}
	}
	return []byte(custodyNoncePrefix + strings.Join(fields, "|")), nil
}

func (p *StoreNoncePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, errors.New("nonce persistence not configured")
	}
	key, err := nonceKey(record)
	if err != nil {
		return false, err
	}
	exists, err := p.db.Has(key)
	if err != nil {
		return false, fmt.Errorf("load nonce: %w", err)
	}
	if exists {
		return true, nil
	}
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(record.ObservedAt.UTC().UnixNano()))
	if err := p.db.Put(key, value); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns the nonces observed at or after cutoff, oldest first.
func (p *StoreNoncePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	var records []NonceRecord
	err := p.scan(ctx, func(_ []byte, rec NonceRecord) {
		if !rec.ObservedAt.Before(cutoff) {
			records = append(records, rec)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].ObservedAt.Before(records[j].ObservedAt) })
	return records, nil
}

// PruneNonces deletes nonces observed before cutoff.
func (p *StoreNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	batch := new(storage.Batch)
	err := p.scan(ctx, func(key []byte, rec NonceRecord) {
		if rec.ObservedAt.Before(cutoff) {
			batch.Delete(append([]byte(nil), key...))
		}
	})
	if err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := p.db.Write(batch); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

func (p *StoreNoncePersistence) scan(ctx context.Context, fn func(key []byte, rec NonceRecord)) error {
	err := p.db.Iterate([]byte(custodyNoncePrefix), func(key, value []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		parts := strings.SplitN(strings.TrimPrefix(string(key), custodyNoncePrefix), "|", 3)
		if len(parts) != 3 || len(value) != 8 {
			return nil
		}
		fn(key, NonceRecord{
			APIKey:     parts[0],
			Timestamp:  parts[1],
			Nonce:      parts[2],
			ObservedAt: time.Unix(0, int64(binary.BigEndian.Uint64(value))).UTC(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("iterate custody nonces: %w", err)
	}
	return nil
}

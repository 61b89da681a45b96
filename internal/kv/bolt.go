package kv

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Bolt is the default durable Store, backing GroupStore and
// KeyPackageStore. Each Bolt keeps all its keys in the one bucket named
// when it was opened (§4.D).
type Bolt struct {
	db     *bbolt.DB
	bucket []byte
}

// OpenBolt opens (creating if necessary) a bbolt database at path and
// ensures the given bucket exists.
func OpenBolt(path, bucket string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt database %s: %w", path, err)
	}
	b := &Bolt{db: db, bucket: []byte(bucket)}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b.bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return b, nil
}

// Close releases the underlying database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		v := bucket.Get([]byte(key))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("bolt get %s: %w", key, err)
	}
	return value, value != nil, nil
}

func (b *Bolt) Set(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("bolt set %s: %w", key, err)
	}
	return nil
}

func (b *Bolt) Remove(_ context.Context, key string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("bolt remove %s: %w", key, err)
	}
	return nil
}

func (b *Bolt) Clear(_ context.Context) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(b.bucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(b.bucket)
		return err
	})
	if err != nil {
		return fmt.Errorf("bolt clear: %w", err)
	}
	return nil
}

func (b *Bolt) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt keys: %w", err)
	}
	return keys, nil
}

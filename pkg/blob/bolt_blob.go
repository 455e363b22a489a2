package blob

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/corestream/pkg/corerr"
	"github.com/cuemby/corestream/pkg/metrics"
	bolt "go.etcd.io/bbolt"
)

var bucketBlobs = []byte("blobs")

// BoltBlob is a durable, single-process Blob backed by a bbolt file,
// one bucket holding every key. Keys already carry the shard prefix the
// persist layer assigns them, so a single bucket with prefix scans
// (via a cursor.Seek) is sufficient — there is no per-shard bucket
// fan-out the way BoltStore fans buckets out per entity kind.
type BoltBlob struct {
	db *bolt.DB
}

// NewBoltBlob opens (creating if absent) a bbolt-backed blob store at
// <dataDir>/blob.db.
func NewBoltBlob(dataDir string) (*BoltBlob, error) {
	dbPath := filepath.Join(dataDir, "blob.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, corerr.Determinate("open blob database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlobs)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, corerr.Determinate("create blob bucket", err)
	}

	return &BoltBlob{db: db}, nil
}

// Close closes the underlying database file.
func (b *BoltBlob) Close() error {
	return b.db.Close()
}

func (b *BoltBlob) Get(_ context.Context, key string) ([]byte, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BlobGetDuration)

	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(key))
		if v == nil {
			return nil
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, corerr.Indeterminate("blob get", err)
	}
	return out, nil
}

func (b *BoltBlob) Set(_ context.Context, key string, value []byte) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BlobSetDuration)

	conflict := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBlobs)
		if existing := bucket.Get([]byte(key)); existing != nil {
			conflict = string(existing) != string(value)
			return nil
		}
		return bucket.Put([]byte(key), value)
	})
	if err != nil {
		return corerr.Indeterminate("blob set", err)
	}
	if conflict {
		return corerr.InvalidUsage("blob: key already set with different bytes: " + key)
	}
	metrics.BlobBytesWritten.Add(float64(len(value)))
	return nil
}

func (b *BoltBlob) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlobs).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, corerr.Indeterminate("blob list", err)
	}
	return keys, nil
}

func (b *BoltBlob) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Delete([]byte(key))
	})
	if err != nil {
		return corerr.Indeterminate("blob delete", err)
	}
	return nil
}

// Package cache provides an optional NutsDB-backed cache for the attribute
// and directory replies the FUSE layer produces.
package cache

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/nutsdb/nutsdb"
)

const (
	attrBucket = "attr_cache"
	dirBucket  = "dir_cache"
)

// DefaultAttrTTL is the default time-to-live for cached attributes.
const DefaultAttrTTL = 30 * time.Second

// DefaultDirTTL is the default time-to-live for cached directory listings.
const DefaultDirTTL = 30 * time.Second

// AttrEntry is a cached attribute reply.
type AttrEntry struct {
	Ino   uint64 `json:"ino"`
	Mode  uint32 `json:"mode"`
	Size  uint64 `json:"size"`
	Mtime int64  `json:"mtime"`
	Ctime int64  `json:"ctime"`
	Nlink uint32 `json:"nlink"`
	Uid   uint32 `json:"uid"`
	Gid   uint32 `json:"gid"`
}

// DirEntry is one cached directory listing entry.
type DirEntry struct {
	Name string `json:"name"`
	Mode uint32 `json:"mode"`
	Ino  uint64 `json:"ino"`
}

// Stats counts cache lookups.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// Cache stores metadata keyed by namespace path.
type Cache struct {
	db     *nutsdb.DB
	logger *slog.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New opens (or creates) a cache in dir.
func New(dir string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cache")

	db, err := nutsdb.Open(
		nutsdb.DefaultOptions,
		nutsdb.WithDir(dir),
		nutsdb.WithSegmentSize(8*1024*1024),
		nutsdb.WithEntryIdxMode(nutsdb.HintKeyValAndRAMIdxMode),
	)
	if err != nil {
		logger.Error("failed to open cache database", "dir", dir, "error", err)
		return nil, err
	}

	err = db.Update(func(tx *nutsdb.Tx) error {
		for _, bucket := range []string{attrBucket, dirBucket} {
			if err := tx.NewBucket(nutsdb.DataStructureBTree, bucket); err != nil && !errors.Is(err, nutsdb.ErrBucketAlreadyExist) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to create cache buckets", "error", err)
		db.Close()
		return nil, err
	}

	logger.Info("cache initialized", "dir", dir)
	return &Cache{db: db, logger: logger}, nil
}

// key maps a namespace path to a cache key; the root is "/".
func key(path string) []byte {
	if path == "" {
		return []byte("/")
	}
	return []byte("/" + path)
}

func (c *Cache) get(bucket, path string, v any) error {
	err := c.db.View(func(tx *nutsdb.Tx) error {
		val, err := tx.Get(bucket, key(path))
		if err != nil {
			return err
		}
		return json.Unmarshal(val, v)
	})
	if err != nil {
		c.misses.Add(1)
		return err
	}
	c.hits.Add(1)
	c.logger.Debug("cache hit", "bucket", bucket, "path", path)
	return nil
}

func (c *Cache) put(bucket, path string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	err = c.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(bucket, key(path), data, uint32(ttl.Seconds()))
	})
	if err != nil {
		c.logger.Warn("cache put failed", "bucket", bucket, "path", path, "error", err)
	}
	return err
}

// GetAttr returns cached attributes for path.
func (c *Cache) GetAttr(path string) (*AttrEntry, error) {
	var entry AttrEntry
	if err := c.get(attrBucket, path, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// PutAttr stores attributes for path with DefaultAttrTTL.
func (c *Cache) PutAttr(path string, entry *AttrEntry) error {
	return c.put(attrBucket, path, entry, DefaultAttrTTL)
}

// GetDir returns a cached listing for path as FUSE entries.
func (c *Cache) GetDir(path string) ([]fuse.DirEntry, error) {
	var entries []DirEntry
	if err := c.get(dirBucket, path, &entries); err != nil {
		return nil, err
	}
	out := make([]fuse.DirEntry, len(entries))
	for i, e := range entries {
		out[i] = fuse.DirEntry{Name: e.Name, Mode: e.Mode, Ino: e.Ino}
	}
	return out, nil
}

// PutDir stores a listing for path with DefaultDirTTL.
func (c *Cache) PutDir(path string, entries []DirEntry) error {
	return c.put(dirBucket, path, entries, DefaultDirTTL)
}

// Invalidate drops both entries for path.
func (c *Cache) Invalidate(path string) {
	c.db.Update(func(tx *nutsdb.Tx) error {
		tx.Delete(attrBucket, key(path))
		tx.Delete(dirBucket, key(path))
		return nil
	})
	c.logger.Debug("invalidated cache", "path", path)
}

// Stats returns hit and miss counters since New.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Close closes the database.
func (c *Cache) Close() error {
	s := c.Stats()
	c.logger.Info("closing cache", "hits", s.Hits, "misses", s.Misses)
	return c.db.Close()
}

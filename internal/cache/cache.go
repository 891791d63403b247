// Package cache persists recognition results keyed by image fingerprint.
//
// The cache is a single SQLite table. A lookup is a hit only when digest,
// size and modification time all match a stored row and the row is inside
// the expiry window. Writes trigger a cleanup pass that first drops
// expired rows and then, if the table is over capacity, drops the least
// recently accessed surplus.
//
// Persistence failures never propagate: every error degrades to a cache
// miss so recognition proceeds without caching.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/packlabel/dateocr/internal/backend"
	"github.com/packlabel/dateocr/internal/fingerprint"
	"github.com/packlabel/dateocr/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS ocr_cache (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_hash TEXT UNIQUE NOT NULL,
	file_size INTEGER NOT NULL,
	file_mtime INTEGER NOT NULL,
	ocr_results TEXT NOT NULL,
	processing_time INTEGER NOT NULL,
	strategy_used TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	accessed_at INTEGER NOT NULL,
	access_count INTEGER DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_file_hash ON ocr_cache(file_hash);
CREATE INDEX IF NOT EXISTS idx_accessed_at ON ocr_cache(accessed_at);
`

// Entry is a cached recognition result.
type Entry struct {
	Fingerprint    fingerprint.Fingerprint
	Spans          []backend.TextSpan
	ProcessingTime time.Duration
	Strategy       string
	CreatedAt      time.Time
	AccessCount    int
}

// Cache is a durable fingerprint-keyed result store.
//
// It is safe for one writer and many readers: reads go straight to the
// database, writes are serialized by a mutex.
type Cache struct {
	db       *sql.DB
	capacity int
	expiry   time.Duration
	log      zerolog.Logger

	writeMu sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64
	writes atomic.Int64
	errors atomic.Int64

	// now is swappable in tests.
	now func() time.Time
}

// Open creates or opens the cache database under dir.
func Open(dir string, capacity int, expiry time.Duration) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, "ocr_cache.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	return &Cache{
		db:       db,
		capacity: capacity,
		expiry:   expiry,
		log:      logging.New("cache"),
		now:      time.Now,
	}, nil
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Lookup returns the cached entry for the file at path, or ok=false on a
// miss. An expired match is deleted and reported as a miss. On a hit the
// entry's access time and count are updated before returning.
func (c *Cache) Lookup(path string) (*Entry, bool) {
	fp, err := fingerprint.Compute(path)
	if err != nil {
		c.errors.Add(1)
		c.log.Debug().Err(err).Str("path", path).Msg("fingerprint failed, treating as miss")
		return nil, false
	}

	row := c.db.QueryRow(
		`SELECT ocr_results, processing_time, strategy_used, created_at, access_count
		 FROM ocr_cache WHERE file_hash = ? AND file_size = ? AND file_mtime = ?`,
		fp.Digest, fp.Size, fp.ModTime.UnixNano(),
	)

	var (
		payload     string
		procTime    int64
		strategy    string
		createdAt   int64
		accessCount int
	)
	if err := row.Scan(&payload, &procTime, &strategy, &createdAt, &accessCount); err != nil {
		if err != sql.ErrNoRows {
			c.errors.Add(1)
			c.log.Warn().Err(err).Str("path", path).Msg("cache query failed, treating as miss")
		}
		c.misses.Add(1)
		return nil, false
	}

	created := time.Unix(0, createdAt)
	if c.now().Sub(created) > c.expiry {
		c.writeMu.Lock()
		_, err := c.db.Exec(`DELETE FROM ocr_cache WHERE file_hash = ?`, fp.Digest)
		c.writeMu.Unlock()
		if err != nil {
			c.errors.Add(1)
			c.log.Warn().Err(err).Msg("failed to delete expired cache entry")
		}
		c.misses.Add(1)
		return nil, false
	}

	c.writeMu.Lock()
	_, err = c.db.Exec(
		`UPDATE ocr_cache SET accessed_at = ?, access_count = access_count + 1 WHERE file_hash = ?`,
		c.now().UnixNano(), fp.Digest,
	)
	c.writeMu.Unlock()
	if err != nil {
		c.errors.Add(1)
		c.log.Warn().Err(err).Msg("failed to update cache access stats")
	}

	var spans []backend.TextSpan
	if err := json.Unmarshal([]byte(payload), &spans); err != nil {
		c.errors.Add(1)
		c.log.Warn().Err(err).Str("path", path).Msg("corrupt cache payload, treating as miss")
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return &Entry{
		Fingerprint:    fp,
		Spans:          spans,
		ProcessingTime: time.Duration(procTime),
		Strategy:       strategy,
		CreatedAt:      created,
		AccessCount:    accessCount + 1,
	}, true
}

// Store upserts the recognition result for the file at path, then runs a
// cleanup pass. Failures are logged and swallowed.
func (c *Cache) Store(path string, spans []backend.TextSpan, elapsed time.Duration, strategy string) {
	fp, err := fingerprint.Compute(path)
	if err != nil {
		c.errors.Add(1)
		c.log.Debug().Err(err).Str("path", path).Msg("fingerprint failed, skipping cache write")
		return
	}

	payload, err := json.Marshal(spans)
	if err != nil {
		c.errors.Add(1)
		c.log.Warn().Err(err).Msg("failed to serialize cache payload")
		return
	}

	now := c.now().UnixNano()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err = c.db.Exec(
		`INSERT INTO ocr_cache
		 (file_hash, file_size, file_mtime, ocr_results, processing_time, strategy_used, created_at, accessed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(file_hash) DO UPDATE SET
		 file_size = excluded.file_size,
		 file_mtime = excluded.file_mtime,
		 ocr_results = excluded.ocr_results,
		 processing_time = excluded.processing_time,
		 strategy_used = excluded.strategy_used,
		 created_at = excluded.created_at,
		 accessed_at = excluded.accessed_at,
		 access_count = 1`,
		fp.Digest, fp.Size, fp.ModTime.UnixNano(), string(payload),
		int64(elapsed), strategy, now, now,
	)
	if err != nil {
		c.errors.Add(1)
		c.log.Warn().Err(err).Str("path", path).Msg("cache write failed")
		return
	}
	c.writes.Add(1)

	c.cleanupLocked()
}

// cleanupLocked drops expired rows, then trims the table down to
// capacity by deleting the least recently accessed surplus. Caller holds
// writeMu.
func (c *Cache) cleanupLocked() {
	cutoff := c.now().Add(-c.expiry).UnixNano()
	if _, err := c.db.Exec(`DELETE FROM ocr_cache WHERE created_at < ?`, cutoff); err != nil {
		c.errors.Add(1)
		c.log.Warn().Err(err).Msg("cache expiry sweep failed")
		return
	}

	var count int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM ocr_cache`).Scan(&count); err != nil {
		c.errors.Add(1)
		c.log.Warn().Err(err).Msg("cache count failed")
		return
	}
	if count <= c.capacity {
		return
	}

	excess := count - c.capacity
	_, err := c.db.Exec(
		`DELETE FROM ocr_cache WHERE id IN
		 (SELECT id FROM ocr_cache ORDER BY accessed_at ASC LIMIT ?)`, excess)
	if err != nil {
		c.errors.Add(1)
		c.log.Warn().Err(err).Msg("cache eviction failed")
		return
	}
	c.log.Debug().Int("evicted", excess).Msg("evicted least recently accessed cache entries")
}

// Clear removes every cached entry.
func (c *Cache) Clear() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.db.Exec(`DELETE FROM ocr_cache`)
	return err
}

// Stats is a snapshot of cache counters and the current entry count.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Writes  int64 `json:"writes"`
	Errors  int64 `json:"errors"`
	Entries int   `json:"entries"`
}

// Stats returns current counters. The entry count is best-effort.
func (c *Cache) Stats() Stats {
	var count int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM ocr_cache`).Scan(&count); err != nil {
		c.log.Debug().Err(err).Msg("cache count failed")
	}
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Writes:  c.writes.Load(),
		Errors:  c.errors.Load(),
		Entries: count,
	}
}

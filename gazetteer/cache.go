package gazetteer

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"
)

// Cache persists gazetteer responses in SQLite so batch re-runs don't repeat
// identical queries against a rate-limited upstream. Entries older than the
// configured TTL are ignored and overwritten on the next successful lookup.
type Cache struct {
	db  *sql.DB
	ttl time.Duration
}

// OpenCache opens (and migrates) the cache database at path. A ttl of zero
// keeps entries forever.
func OpenCache(path string, ttl time.Duration) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	c := &Cache{db: db, ttl: ttl}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) Close() error { return c.db.Close() }

func (c *Cache) migrate() error {
	_, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS gazetteer_cache (
		source TEXT NOT NULL,
		query TEXT NOT NULL,
		candidates_json TEXT NOT NULL,
		fetched_at TIMESTAMP NOT NULL,
		PRIMARY KEY (source, query)
	);`)
	return err
}

// Get returns the cached candidates for (source, query) when present and
// fresh. Cache errors are treated as misses; the caller falls back to the
// network.
func (c *Cache) Get(ctx context.Context, source, query string) ([]Candidate, bool) {
	row := c.db.QueryRowContext(ctx,
		`SELECT candidates_json, fetched_at FROM gazetteer_cache WHERE source=? AND query=?`,
		source, query)
	var payload string
	var fetchedAt time.Time
	if err := row.Scan(&payload, &fetchedAt); err != nil {
		return nil, false
	}
	if c.ttl > 0 && time.Since(fetchedAt) > c.ttl {
		return nil, false
	}
	var cands []Candidate
	if err := json.Unmarshal([]byte(payload), &cands); err != nil {
		return nil, false
	}
	return cands, true
}

// Put stores the candidates for (source, query), replacing any prior entry.
func (c *Cache) Put(ctx context.Context, source, query string, cands []Candidate) error {
	payload, err := json.Marshal(cands)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO gazetteer_cache(source, query, candidates_json, fetched_at) VALUES(?,?,?,?)
		 ON CONFLICT(source, query) DO UPDATE SET candidates_json=excluded.candidates_json, fetched_at=excluded.fetched_at`,
		source, query, string(payload), time.Now().UTC())
	return err
}

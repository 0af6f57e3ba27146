// SPDX-License-Identifier: MIT

// Package assetcache is the content-addressed store for downloaded artwork,
// trailers and subtitles. Files are named by their sha256 and sharded two
// levels deep; identical content is stored once and reference counted.
package assetcache

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/mediacurator/curator/internal/errdef"
	"github.com/mediacurator/curator/internal/hash"
	"github.com/mediacurator/curator/internal/log"
	"github.com/mediacurator/curator/internal/metrics"
)

// Asset is one cached file. Deduplicated reports whether the most recent Add
// matched existing content instead of writing new bytes.
type Asset struct {
	ID             int64
	ContentHash    string
	Ext            string
	SizeBytes      int64
	RefCount       int
	CreatedAt      time.Time
	LastAccessedAt time.Time
	Deduplicated   bool
}

// Stats summarizes cache usage.
type Stats struct {
	Assets     int64
	TotalBytes int64
	Orphans    int64
}

// SweepResult summarizes one orphan sweep.
type SweepResult struct {
	Deleted    int
	FreedBytes int64
	Errors     int
}

// VerifyResult is the outcome of one integrity check.
type VerifyResult struct {
	Asset  *Asset
	Status string // valid | missing | corrupted
}

// Cache stores assets under root and tracks them in the shared database.
type Cache struct {
	root string
	db   *sql.DB
}

// New opens the cache at root, creating the directory and its table.
func New(root string, db *sql.DB) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errdef.Wrap(errdef.CodeFSPermission, err, "cache root %s", root)
	}
	c := &Cache{root: root, db: db}
	if err := c.migrate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) migrate() error {
	_, err := c.db.Exec(`
	CREATE TABLE IF NOT EXISTS cache_assets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content_hash TEXT NOT NULL UNIQUE,
		ext TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		ref_count INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		last_accessed_at TEXT
	)`)
	if err != nil {
		return errdef.Wrap(errdef.CodeStorage, err, "cache migrate")
	}
	// Tables created before the column existed.
	_, err = c.db.Exec(`ALTER TABLE cache_assets ADD COLUMN last_accessed_at TEXT`)
	if err != nil && !strings.Contains(err.Error(), "duplicate column name") {
		return errdef.Wrap(errdef.CodeStorage, err, "cache migrate column")
	}
	return nil
}

// Root returns the cache base directory.
func (c *Cache) Root() string { return c.root }

// Path returns the sharded location for a content hash and extension:
// <root>/<H[0:2]>/<H[2:4]>/<H><ext>.
func (c *Cache) Path(contentHash, ext string) string {
	return filepath.Join(c.root, contentHash[:2], contentHash[2:4], contentHash+ext)
}

// Add stores the stream under its content hash. When identical content is
// already cached only the reference count moves; the bytes are written once.
func (c *Cache) Add(ctx context.Context, r io.Reader, ext string) (*Asset, error) {
	ext = normalizeExt(ext)

	// Spool to a temp file first so the hash is known before placement.
	tmp, err := os.CreateTemp(c.root, "incoming-*")
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeFSPermission, err, "cache temp")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	size, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return nil, errdef.Wrap(errdef.CodeStorage, err, "cache spool")
	}
	if err := tmp.Close(); err != nil {
		return nil, errdef.Wrap(errdef.CodeStorage, err, "cache spool close")
	}

	contentHash, err := hash.ContentHash(tmpName)
	if err != nil {
		return nil, err
	}

	if existing, err := c.ByHash(ctx, contentHash); err != nil {
		return nil, err
	} else if existing != nil {
		if err := c.Ref(ctx, existing.ID); err != nil {
			return nil, err
		}
		existing.RefCount++
		existing.Deduplicated = true
		existing.LastAccessedAt = c.touch(ctx, existing.ID)
		metrics.CacheOpsTotal.WithLabelValues("add", "dedup").Inc()
		return existing, nil
	}

	dst := c.Path(contentHash, ext)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, errdef.Wrap(errdef.CodeFSPermission, err, "cache shard dir")
	}
	data, err := os.ReadFile(tmpName)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeStorage, err, "cache reread")
	}
	if err := renameio.WriteFile(dst, data, 0o644); err != nil {
		return nil, errdef.Wrap(errdef.CodeStorage, err, "cache place")
	}

	now := time.Now().UTC()
	res, err := c.db.ExecContext(ctx, `
	INSERT INTO cache_assets (content_hash, ext, size_bytes, ref_count, created_at)
	VALUES (?, ?, ?, 1, ?)`,
		contentHash, ext, size, now.Format(time.RFC3339))
	if err != nil {
		// A concurrent Add won the insert race: fall back to dedup.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			existing, lerr := c.ByHash(ctx, contentHash)
			if lerr == nil && existing != nil {
				if rerr := c.Ref(ctx, existing.ID); rerr == nil {
					existing.RefCount++
					existing.Deduplicated = true
					existing.LastAccessedAt = c.touch(ctx, existing.ID)
					metrics.CacheOpsTotal.WithLabelValues("add", "dedup").Inc()
					return existing, nil
				}
			}
		}
		return nil, errdef.Wrap(errdef.CodeStorage, err, "cache insert")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeStorage, err, "cache insert id")
	}

	metrics.CacheOpsTotal.WithLabelValues("add", "new").Inc()
	metrics.CacheBytes.Add(float64(size))
	return &Asset{
		ID: id, ContentHash: contentHash, Ext: ext,
		SizeBytes: size, RefCount: 1, CreatedAt: now, LastAccessedAt: now,
	}, nil
}

// touch records the dedup hit time, best effort.
func (c *Cache) touch(ctx context.Context, id int64) time.Time {
	now := time.Now().UTC()
	_, _ = c.db.ExecContext(ctx,
		`UPDATE cache_assets SET last_accessed_at = ? WHERE id = ?`,
		now.Format(time.RFC3339), id)
	return now
}

// AddFile caches an existing file, inferring the extension from its name.
func (c *Cache) AddFile(ctx context.Context, path string) (*Asset, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdef.Wrap(errdef.CodeFSNotFound, err, "cache add %s", path)
		}
		return nil, errdef.Wrap(errdef.CodeFSPermission, err, "cache add %s", path)
	}
	defer func() { _ = f.Close() }()
	return c.Add(ctx, f, filepath.Ext(path))
}

// Get loads an asset record by id, (nil, nil) when absent.
func (c *Cache) Get(ctx context.Context, id int64) (*Asset, error) {
	return c.one(ctx, `WHERE id = ?`, id)
}

// ByHash loads an asset record by content hash, (nil, nil) when absent.
func (c *Cache) ByHash(ctx context.Context, contentHash string) (*Asset, error) {
	return c.one(ctx, `WHERE content_hash = ?`, contentHash)
}

func (c *Cache) one(ctx context.Context, where string, arg any) (*Asset, error) {
	var a Asset
	var created, accessed string
	err := c.db.QueryRowContext(ctx,
		`SELECT id, content_hash, ext, size_bytes, ref_count, created_at,
			COALESCE(last_accessed_at, created_at)
		FROM cache_assets `+where, arg).
		Scan(&a.ID, &a.ContentHash, &a.Ext, &a.SizeBytes, &a.RefCount, &created, &accessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeStorage, err, "cache lookup")
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, created)
	a.LastAccessedAt, _ = time.Parse(time.RFC3339, accessed)
	return &a, nil
}

// Ref increments the reference count.
func (c *Cache) Ref(ctx context.Context, id int64) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE cache_assets SET ref_count = ref_count + 1 WHERE id = ?`, id)
	if err != nil {
		return errdef.Wrap(errdef.CodeStorage, err, "cache ref")
	}
	return nil
}

// Unref decrements the reference count, clamping at zero. The file is not
// removed here; orphans are swept separately.
func (c *Cache) Unref(ctx context.Context, id int64) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE cache_assets SET ref_count = MAX(ref_count - 1, 0) WHERE id = ?`, id)
	if err != nil {
		return errdef.Wrap(errdef.CodeStorage, err, "cache unref")
	}
	return nil
}

// SettleLink reconciles a cache reference taken by Add/AddFile against the
// media-row upsert that followed it. Every Add increments ref_count, but a
// refreshed row means no new link exists: the same asset was referenced
// twice, or the row moved off prevAssetID. Either way exactly one reference
// must come back so ref_count stays equal to the number of link rows.
func (c *Cache) SettleLink(ctx context.Context, assetID, prevAssetID int64, inserted bool) error {
	if inserted {
		return nil
	}
	if prevAssetID == assetID {
		return c.Unref(ctx, assetID)
	}
	if prevAssetID > 0 {
		return c.Unref(ctx, prevAssetID)
	}
	return nil
}

// CleanupOrphans removes assets whose reference count reached zero. The file
// is deleted before the row so a crash leaves a re-sweepable row, never an
// untracked file. With dryRun the sweep only reports what it would delete.
func (c *Cache) CleanupOrphans(ctx context.Context, dryRun bool) (SweepResult, error) {
	var res SweepResult
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, content_hash, ext, size_bytes FROM cache_assets WHERE ref_count = 0`)
	if err != nil {
		return res, errdef.Wrap(errdef.CodeStorage, err, "orphan query")
	}
	type orphan struct {
		id   int64
		h    string
		ext  string
		size int64
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.id, &o.h, &o.ext, &o.size); err != nil {
			_ = rows.Close()
			return res, errdef.Wrap(errdef.CodeStorage, err, "orphan scan")
		}
		orphans = append(orphans, o)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return res, errdef.Wrap(errdef.CodeStorage, err, "orphan rows")
	}

	logger := log.WithComponent("assetcache")
	for _, o := range orphans {
		if dryRun {
			res.Deleted++
			res.FreedBytes += o.size
			continue
		}
		path := c.Path(o.h, o.ext)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("orphan file removal failed")
			res.Errors++
			continue
		}
		if _, err := c.db.ExecContext(ctx,
			`DELETE FROM cache_assets WHERE id = ? AND ref_count = 0`, o.id); err != nil {
			return res, errdef.Wrap(errdef.CodeStorage, err, "orphan delete")
		}
		metrics.CacheOpsTotal.WithLabelValues("sweep", "removed").Inc()
		metrics.CacheBytes.Sub(float64(o.size))
		res.Deleted++
		res.FreedBytes += o.size
	}
	if res.Deleted > 0 {
		logger.Info().Int("removed", res.Deleted).Int64("freed_bytes", res.FreedBytes).
			Bool("dry_run", dryRun).Msg("orphan sweep complete")
	}
	return res, nil
}

// VerifyIntegrity re-hashes every cached file and reports mismatches.
func (c *Cache) VerifyIntegrity(ctx context.Context) ([]VerifyResult, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, content_hash, ext, size_bytes, ref_count, created_at FROM cache_assets ORDER BY id`)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeStorage, err, "verify query")
	}
	defer func() { _ = rows.Close() }()

	var assets []*Asset
	for rows.Next() {
		var a Asset
		var created string
		if err := rows.Scan(&a.ID, &a.ContentHash, &a.Ext, &a.SizeBytes, &a.RefCount, &created); err != nil {
			return nil, errdef.Wrap(errdef.CodeStorage, err, "verify scan")
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, created)
		assets = append(assets, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, errdef.Wrap(errdef.CodeStorage, err, "verify rows")
	}

	var out []VerifyResult
	for _, a := range assets {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		path := c.Path(a.ContentHash, a.Ext)
		got, err := hash.ContentHash(path)
		switch {
		case errdef.IsCode(err, errdef.CodeFSNotFound):
			out = append(out, VerifyResult{Asset: a, Status: "missing"})
		case err != nil:
			return out, err
		case got != a.ContentHash:
			out = append(out, VerifyResult{Asset: a, Status: "corrupted"})
		default:
			out = append(out, VerifyResult{Asset: a, Status: "valid"})
		}
	}
	return out, nil
}

// Stats reports current cache usage.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := c.db.QueryRowContext(ctx, `
	SELECT COUNT(*), COALESCE(SUM(size_bytes), 0),
		COALESCE(SUM(CASE WHEN ref_count = 0 THEN 1 ELSE 0 END), 0)
	FROM cache_assets`).Scan(&st.Assets, &st.TotalBytes, &st.Orphans)
	if err != nil {
		return Stats{}, errdef.Wrap(errdef.CodeStorage, err, "cache stats")
	}
	return st, nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ".bin"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

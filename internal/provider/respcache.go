// SPDX-License-Identifier: MIT

package provider

import (
	"encoding/json"
	"errors"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/mediacurator/curator/internal/errdef"
	"github.com/mediacurator/curator/internal/log"
)

// DefaultResponseTTL keeps provider metadata responses for a week; plot and
// artwork listings rarely change faster than that.
const DefaultResponseTTL = 7 * 24 * time.Hour

// ResponseCache is a TTL cache for provider responses, keyed by
// provider/kind/external-id. It saves quota on refetches of unchanged
// entities; a miss is never an error.
type ResponseCache struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenResponseCache opens (or creates) the cache at dir.
func OpenResponseCache(dir string, ttl time.Duration) (*ResponseCache, error) {
	if ttl <= 0 {
		ttl = DefaultResponseTTL
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeStorage, err, "response cache open %s", dir)
	}
	return &ResponseCache{db: db, ttl: ttl}, nil
}

// Close releases the cache.
func (c *ResponseCache) Close() error { return c.db.Close() }

func cacheKey(provider, kind, externalID string) []byte {
	return []byte(provider + "/" + kind + "/" + externalID)
}

// GetMetadata returns a cached response, (nil, false) on miss or decode
// failure. A corrupt entry is treated as a miss, not an error.
func (c *ResponseCache) GetMetadata(provider, externalID string) (*MetadataResponse, bool) {
	var out MetadataResponse
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(provider, "metadata", externalID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			logger := log.WithComponent("provider")
			logger.Debug().Err(err).
				Str("provider", provider).Msg("response cache read failed")
		}
		return nil, false
	}
	return &out, true
}

// PutMetadata stores a response with the cache TTL. Failures are logged and
// swallowed; caching is best-effort.
func (c *ResponseCache) PutMetadata(provider, externalID string, resp *MetadataResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(cacheKey(provider, "metadata", externalID), data).WithTTL(c.ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		logger := log.WithComponent("provider")
		logger.Debug().Err(err).
			Str("provider", provider).Msg("response cache write failed")
	}
}

// Invalidate removes a cached response, e.g. after an explicit refresh.
func (c *ResponseCache) Invalidate(provider, externalID string) {
	_ = c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cacheKey(provider, "metadata", externalID))
	})
}

package cache

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/signagecore/player/internal/config"
)

var (
	bucketMetadata = []byte("metadata")
	bucketChunks   = []byte("chunks")
)

// ChunkCache is the content-addressed, BoltDB-backed media and
// widget-HTML store.
type ChunkCache struct {
	db        *bolt.DB
	chunkSize int64
	blobs     *BlobCache

	depMu sync.Mutex
	deps  map[string]map[string]struct{} // mediaId -> set of layoutIds
}

// Open opens (creating if necessary) the chunk cache at dbPath.
func Open(dbPath string, chunkSize int64, blobBudgetBytes int64) (*ChunkCache, error) {
	db, err := bolt.Open(filepath.Clean(dbPath), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(bucketMetadata); e != nil {
			return e
		}
		_, e := tx.CreateBucketIfNotExists(bucketChunks)
		return e
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: init buckets: %w", err)
	}

	return &ChunkCache{
		db:        db,
		chunkSize: chunkSize,
		blobs:     NewBlobCache(blobBudgetBytes),
		deps:      make(map[string]map[string]struct{}),
	}, nil
}

// Close releases the underlying database handle.
func (c *ChunkCache) Close() error {
	return c.db.Close()
}

// BlobCache exposes the in-memory blob LRU, for metrics/health wiring.
func (c *ChunkCache) BlobCache() *BlobCache {
	return c.blobs
}

func chunkKey(key string, index int) []byte {
	return []byte(fmt.Sprintf("%s\x00%08d", key, index))
}

// Put stores blob as either a whole-file entry or as chunked entries,
// atomically from a reader's point of view: fileExists
// never observes a half-written artifact, because every chunk plus the
// metadata entry is written inside one bolt transaction.
func (c *ChunkCache) Put(key string, blob []byte, contentType, fingerprint string) error {
	if contentType == "video/mp4" {
		blob = relocateMoovToFront(blob)
	}

	total := int64(len(blob))
	chunked := total > config.ChunkStorageThreshold

	numChunks := 1
	if chunked {
		numChunks = int((total + c.chunkSize - 1) / c.chunkSize)
	}

	meta := Metadata{
		TotalSize:   total,
		ChunkSize:   c.chunkSize,
		NumChunks:   numChunks,
		ContentType: contentType,
		Fingerprint: fingerprint,
		CreatedAt:   time.Now(),
		Chunked:     chunked,
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("cache: marshal metadata: %w", err)
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		if err := c.deleteChunksLocked(tx, key); err != nil {
			return err
		}

		chunksBucket := tx.Bucket(bucketChunks)
		if !chunked {
			if err := chunksBucket.Put(chunkKey(key, 0), blob); err != nil {
				return err
			}
		} else {
			for i := 0; i < numChunks; i++ {
				start := int64(i) * c.chunkSize
				end := start + c.chunkSize
				if end > total {
					end = total
				}
				if err := chunksBucket.Put(chunkKey(key, i), blob[start:end]); err != nil {
					return err
				}
			}
		}

		return tx.Bucket(bucketMetadata).Put([]byte(key), metaBytes)
	})
}

// StoreChunk writes a single chunk of a progressively-downloaded file
// and, on the first chunk, writes the metadata entry — the moment the
// file becomes queryable by FileExists ( onChunkStored).
func (c *ChunkCache) StoreChunk(key string, index, numChunks int, totalSize int64, blob []byte, contentType, fingerprint string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketChunks).Put(chunkKey(key, index), blob); err != nil {
			return err
		}
		if index != 0 {
			return nil
		}

		meta := Metadata{
			TotalSize:   totalSize,
			ChunkSize:   c.chunkSize,
			NumChunks:   numChunks,
			ContentType: contentType,
			Fingerprint: fingerprint,
			CreatedAt:   time.Now(),
			Chunked:     numChunks > 1,
		}
		metaBytes, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("cache: marshal metadata: %w", err)
		}
		return tx.Bucket(bucketMetadata).Put([]byte(key), metaBytes)
	})
}

// MarkPending records that the CMS returned 202 for this file: no
// chunks are written, and the next collection cycle retries.
func (c *ChunkCache) MarkPending(key string) error {
	meta := Metadata{Pending: true, CreatedAt: time.Now()}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetadata).Put([]byte(key), metaBytes)
	})
}

// FileExists is the sole existence predicate for the rest of the
// system.
func (c *ChunkCache) FileExists(key string) (ExistsResult, error) {
	var result ExistsResult
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMetadata).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var meta Metadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("cache: unmarshal metadata for %q: %w", key, err)
		}
		result = ExistsResult{Exists: true, Chunked: meta.Chunked, Metadata: &meta}
		return nil
	})
	return result, err
}

// Delete removes an artifact's metadata and all of its chunks.
func (c *ChunkCache) Delete(key string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := c.deleteChunksLocked(tx, key); err != nil {
			return err
		}
		return tx.Bucket(bucketMetadata).Delete([]byte(key))
	})
}

func (c *ChunkCache) deleteChunksLocked(tx *bolt.Tx, key string) error {
	bucket := tx.Bucket(bucketChunks)
	cursor := bucket.Cursor()
	prefix := []byte(key + "\x00")
	for k, _ := cursor.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = cursor.Next() {
		if err := cursor.Delete(); err != nil {
			return err
		}
	}
	return nil
}

func (c *ChunkCache) readChunk(key string, index int) ([]byte, error) {
	cacheKey := string(chunkKey(key, index))
	return c.blobs.Get(cacheKey, func() ([]byte, error) {
		var blob []byte
		err := c.db.View(func(tx *bolt.Tx) error {
			raw := tx.Bucket(bucketChunks).Get(chunkKey(key, index))
			if raw == nil {
				return fmt.Errorf("cache: chunk %d of %q not found", index, key)
			}
			blob = append([]byte(nil), raw...)
			return nil
		})
		return blob, err
	})
}

// Get performs a whole-file read. Callers that need ranges must go
// through Range instead.
func (c *ChunkCache) Get(key string) (*Response, error) {
	existsResult, err := c.FileExists(key)
	if err != nil {
		return nil, err
	}
	if !existsResult.Exists {
		return nil, nil
	}
	meta := existsResult.Metadata

	if !meta.Chunked {
		blob, err := c.readChunk(key, 0)
		if err != nil {
			return nil, err
		}
		return &Response{StatusCode: 200, Body: blob, ContentType: meta.ContentType, TotalSize: meta.TotalSize}, nil
	}

	body := make([]byte, 0, meta.TotalSize)
	for i := 0; i < meta.NumChunks; i++ {
		chunk, err := c.readChunk(key, i)
		if err != nil {
			return nil, err
		}
		body = append(body, chunk...)
	}
	return &Response{StatusCode: 200, Body: body, ContentType: meta.ContentType, TotalSize: meta.TotalSize}, nil
}

// parseRangeHeader parses a standard "bytes=<start>-<end?>" header
// against a known total size. A missing end means "to the end".
func parseRangeHeader(header string, total int64) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, prefix)
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	if parts[0] == "" {
		// suffix range: "bytes=-500" means last 500 bytes
		suffixLen, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || suffixLen <= 0 {
			return 0, 0, false
		}
		start = total - suffixLen
		if start < 0 {
			start = 0
		}
		return start, total - 1, true
	}

	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || s < 0 {
		return 0, 0, false
	}
	start = s

	if parts[1] == "" {
		end = total - 1
	} else {
		e, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		end = e
	}

	if start > end || start >= total || end >= total {
		return 0, 0, false
	}
	return start, end, true
}

// Range serves a byte-range request out of chunk storage. It is the
// mechanism that lets <video> and <audio> stream out of chunked
// storage with no awareness of chunking.
func (c *ChunkCache) Range(key string, rangeHeader string) (*Response, error) {
	existsResult, err := c.FileExists(key)
	if err != nil {
		return nil, err
	}
	if !existsResult.Exists {
		return &Response{StatusCode: 416}, nil
	}
	meta := existsResult.Metadata

	start, end, ok := parseRangeHeader(rangeHeader, meta.TotalSize)
	if !ok {
		return &Response{StatusCode: 416, TotalSize: meta.TotalSize}, nil
	}

	chunkSize := meta.ChunkSize
	if !meta.Chunked {
		chunkSize = meta.TotalSize
	}
	firstChunk := int(start / chunkSize)
	lastChunk := int(end / chunkSize)

	out := make([]byte, 0, end-start+1)
	for i := firstChunk; i <= lastChunk; i++ {
		blob, err := c.readChunk(key, i)
		if err != nil {
			return nil, err
		}

		sliceStart := int64(0)
		sliceEnd := int64(len(blob))
		if i == firstChunk {
			sliceStart = start % chunkSize
		}
		if i == lastChunk {
			sliceEnd = (end % chunkSize) + 1
		}
		out = append(out, blob[sliceStart:sliceEnd]...)
	}

	return &Response{
		StatusCode:  206,
		Body:        out,
		ContentType: meta.ContentType,
		TotalSize:   meta.TotalSize,
		RangeStart:  start,
		RangeEnd:    end,
	}, nil
}

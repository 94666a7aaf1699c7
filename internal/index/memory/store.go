// Package memory provides an in-process Document Store driver with the
// same contract as the redis driver. It backs tests and single-process
// deployments (driver "memory").
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dlmeta/metarepo/internal/index"
)

const defaultLimit = 500

// Store is an in-memory index.Store implementation. All state is guarded
// by one RWMutex; documents are deep-copied on the way in and out.
type Store struct {
	mu       sync.RWMutex
	hashes   map[string]map[string]string
	kv       map[string][]byte
	docs     map[string]index.Document
	modCount int64
}

var _ index.Store = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		hashes: make(map[string]map[string]string),
		kv:     make(map[string][]byte),
		docs:   make(map[string]index.Document),
	}
}

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error { return nil }

// WaitForReady always succeeds.
func (s *Store) WaitForReady(_ context.Context, _ time.Duration) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// --- HashStore ---

// HSet merges fields into the hash at key.
func (s *Store) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

// HGetAll returns a copy of the hash at key; empty map if absent.
func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// HDel removes the hash at key.
func (s *Store) HDel(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes, key)
	return nil
}

// Exists reports whether a hash exists at key.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.hashes[key]
	return ok, nil
}

// Scan returns hash keys matching the glob pattern ('*' wildcards).
func (s *Store) Scan(_ context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.hashes {
		if globMatch(pattern, k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// --- KVStore ---

// Get returns the value at key or index.ErrKeyNotFound.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[key]
	if !ok {
		return nil, index.ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores a value at key.
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = append([]byte(nil), value...)
	return nil
}

// Del removes a key.
func (s *Store) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

// Incr increments and returns the integer counter at key.
func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := strconv.ParseInt(string(s.kv[key]), 10, 64)
	n++
	s.kv[key] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

// --- DocIndex ---

// Add stores a document, replacing any existing one with the same key.
func (s *Store) Add(_ context.Context, doc index.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.Key] = copyDoc(doc)
	s.modCount++
	return nil
}

// Remove deletes every document whose field holds value exactly.
func (s *Store) Remove(_ context.Context, field, value string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, d := range s.docs {
		if d.Has(field, value) {
			delete(s.docs, k)
			removed++
		}
	}
	if removed > 0 {
		s.modCount++
	}
	return removed, nil
}

// Search evaluates the query structurally against every document.
func (s *Store) Search(_ context.Context, q *index.Query, opts index.SearchOptions) (*index.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type hit struct {
		doc   index.Document
		score float64
	}
	var hits []hit
	for _, d := range s.docs {
		if !inDateRange(d, opts) {
			continue
		}
		if score := q.Score(d); score > 0 {
			hits = append(hits, hit{doc: d, score: score})
		}
	}

	if opts.OldestFirst {
		sort.Slice(hits, func(i, j int) bool {
			if !hits[i].doc.Datestamp.Equal(hits[j].doc.Datestamp) {
				return hits[i].doc.Datestamp.Before(hits[j].doc.Datestamp)
			}
			return hits[i].doc.Key < hits[j].doc.Key
		})
	} else {
		sort.Slice(hits, func(i, j int) bool {
			if hits[i].score != hits[j].score {
				return hits[i].score > hits[j].score
			}
			return hits[i].doc.Key < hits[j].doc.Key
		})
	}

	total := len(hits)
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	start := opts.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	res := &index.Result{Total: total, Docs: make([]index.Document, 0, end-start)}
	for _, h := range hits[start:end] {
		res.Docs = append(res.Docs, copyDoc(h.doc))
	}
	return res, nil
}

// Count returns the number of matching documents, ignoring date bounds.
func (s *Store) Count(_ context.Context, q *index.Query) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.docs {
		if q.Matches(d) {
			n++
		}
	}
	return n, nil
}

// Terms enumerates the distinct values of a field.
func (s *Store) Terms(_ context.Context, field string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, d := range s.docs {
		for _, v := range d.Fields[field] {
			seen[v] = true
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

// LastModCount returns the modification counter.
func (s *Store) LastModCount(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modCount, nil
}

// --- helpers ---

func inDateRange(d index.Document, opts index.SearchOptions) bool {
	if opts.After != nil && d.Datestamp.Before(*opts.After) {
		return false
	}
	if opts.Until != nil && !d.Datestamp.Before(*opts.Until) {
		return false
	}
	return true
}

func copyDoc(d index.Document) index.Document {
	fields := make(map[string][]string, len(d.Fields))
	for k, vs := range d.Fields {
		fields[k] = append([]string(nil), vs...)
	}
	return index.Document{Key: d.Key, Fields: fields, Datestamp: d.Datestamp}
}

// globMatch matches s against a pattern where '*' matches any run of
// characters, which is all the key-prefix scans here need.
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		i := strings.Index(s, part)
		if i < 0 {
			return false
		}
		s = s[i+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

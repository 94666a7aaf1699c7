// Package counters computes repository and per-set document counts.
// Counts are recomputed only when the index mod counter or the set
// configuration status counter moved, so hot read paths stay cheap.
package counters

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dlmeta/metarepo/internal/domain/record"
	"github.com/dlmeta/metarepo/internal/domain/set"
	"github.com/dlmeta/metarepo/internal/index"
	"github.com/dlmeta/metarepo/internal/metrics"
)

// docStore is the consumer interface over the document index.
type docStore interface {
	Count(ctx context.Context, q *index.Query) (int, error)
	LastModCount(ctx context.Context) (int64, error)
}

// setConfig exposes the configured sets and their change counter.
type setConfig interface {
	List() []set.SetInfo
	StatusModCount() int64
}

// Totals are the repository-wide document counts.
type Totals struct {
	NumRecords      int // live records, tombstones excluded
	NumDeleted      int
	NumErrors       int
	NumDiscoverable int
}

// SetCounts are the per-set document counts.
type SetCounts struct {
	NumIndexed int
	NumDeleted int
	NumErrors  int
	NumFiles   int // record files on disk
}

// Service caches the counts between index mutations.
type Service struct {
	store docStore
	sets  setConfig

	mu        sync.Mutex
	modCount  int64
	setsCount int64
	fresh     bool
	totals    Totals
	perSet    map[string]SetCounts
}

// New creates a counters service.
func New(store docStore, sets setConfig) *Service {
	return &Service{store: store, sets: sets}
}

// Totals returns the repository-wide counts.
func (s *Service) Totals(ctx context.Context) (Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(ctx); err != nil {
		return Totals{}, err
	}
	return s.totals, nil
}

// BySet returns the per-set counts keyed by setSpec.
func (s *Service) BySet(ctx context.Context) (map[string]SetCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]SetCounts, len(s.perSet))
	for k, v := range s.perSet {
		out[k] = v
	}
	return out, nil
}

// Refresh forces a recomputation on the next read.
func (s *Service) Refresh() {
	s.mu.Lock()
	s.fresh = false
	s.mu.Unlock()
}

// refresh recomputes the counts when either change counter moved.
// Callers hold s.mu.
func (s *Service) refresh(ctx context.Context) error {
	mod, err := s.store.LastModCount(ctx)
	if err != nil {
		return fmt.Errorf("read index mod counter: %w", err)
	}
	setsMod := s.sets.StatusModCount()
	if s.fresh && mod == s.modCount && setsMod == s.setsCount {
		return nil
	}

	totals, err := s.countTotals(ctx)
	if err != nil {
		return err
	}
	perSet, err := s.countSets(ctx)
	if err != nil {
		return err
	}

	s.totals, s.perSet = totals, perSet
	s.modCount, s.setsCount = mod, setsMod
	s.fresh = true
	s.export()
	return nil
}

func (s *Service) countTotals(ctx context.Context) (Totals, error) {
	var t Totals
	var err error

	if t.NumRecords, err = s.store.Count(ctx, liveRecords()); err != nil {
		return t, fmt.Errorf("count records: %w", err)
	}
	if t.NumDeleted, err = s.store.Count(ctx, index.Term(index.FieldDeleted, "true")); err != nil {
		return t, fmt.Errorf("count deleted: %w", err)
	}
	if t.NumErrors, err = s.store.Count(ctx, index.Term(index.FieldDocType, record.DocTypeErrorDoc)); err != nil {
		return t, fmt.Errorf("count errors: %w", err)
	}
	discoverable := index.Bool().
		Must(liveRecords(), index.Term(index.FieldStatus, record.StatusAccessionedDiscoverable))
	if t.NumDiscoverable, err = s.store.Count(ctx, discoverable); err != nil {
		return t, fmt.Errorf("count discoverable: %w", err)
	}
	return t, nil
}

func (s *Service) countSets(ctx context.Context) (map[string]SetCounts, error) {
	out := make(map[string]SetCounts)
	for _, si := range s.sets.List() {
		spec := si.SetSpec()
		inSet := index.Term(index.FieldCollection, spec)
		var c SetCounts
		var err error

		if c.NumIndexed, err = s.store.Count(ctx, index.And(inSet, liveRecords())); err != nil {
			return nil, fmt.Errorf("count set %q: %w", spec, err)
		}
		if c.NumDeleted, err = s.store.Count(ctx, index.And(inSet, index.Term(index.FieldDeleted, "true"))); err != nil {
			return nil, fmt.Errorf("count set %q deleted: %w", spec, err)
		}
		errDocs := index.Term(index.FieldDocType, record.DocTypeErrorDoc)
		if c.NumErrors, err = s.store.Count(ctx, index.And(inSet, errDocs)); err != nil {
			return nil, fmt.Errorf("count set %q errors: %w", spec, err)
		}
		for _, dir := range si.Directories() {
			c.NumFiles += countFiles(dir)
		}
		out[spec] = c
	}
	return out, nil
}

// export pushes the freshly computed counts to the Prometheus gauges.
// Callers hold s.mu.
func (s *Service) export() {
	metrics.RepositoryRecords.Set(float64(s.totals.NumRecords))
	metrics.RepositoryDeleted.Set(float64(s.totals.NumDeleted))
	metrics.RepositoryErrors.Set(float64(s.totals.NumErrors))
	metrics.RepositoryDiscoverable.Set(float64(s.totals.NumDiscoverable))

	metrics.SetRecords.Reset()
	for spec, c := range s.perSet {
		metrics.SetRecords.WithLabelValues(spec, "indexed").Set(float64(c.NumIndexed))
		metrics.SetRecords.WithLabelValues(spec, "deleted").Set(float64(c.NumDeleted))
		metrics.SetRecords.WithLabelValues(spec, "errors").Set(float64(c.NumErrors))
		metrics.SetRecords.WithLabelValues(spec, "files").Set(float64(c.NumFiles))
	}
}

func liveRecords() *index.Query {
	return index.Bool().
		Must(index.Term(index.FieldDocType, record.DocTypeRecord)).
		MustNot(index.Term(index.FieldDeleted, "true"))
}

// countFiles counts the .xml files under dir. A missing directory counts
// as zero.
func countFiles(dir string) int {
	n := 0
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return filepath.SkipAll
		}
		if !d.IsDir() && strings.HasSuffix(path, ".xml") {
			n++
		}
		return nil
	})
	return n
}

// Package sets is the set/directory configuration store: the ordered
// in-memory table of SetInfos, persisted as hashes alongside the index.
package sets

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dlmeta/metarepo/internal/domain"
	"github.com/dlmeta/metarepo/internal/domain/set"
	"github.com/dlmeta/metarepo/internal/index"
)

// store is the consumer interface for set persistence (ISP).
type store interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string) error
	Scan(ctx context.Context, pattern string) ([]string, error)
	Remove(ctx context.Context, field, value string) (int, error)
}

// Repo holds the configured sets in memory, in configuration order, and
// mirrors every mutation to the store. The mutex guards the in-memory
// table only and is never held across store I/O.
type Repo struct {
	store     store
	keyPrefix string

	mu   sync.Mutex
	sets []set.SetInfo

	// derived caches, rebuilt lazily after any mutation
	specs        []string
	formats      []string
	enabledQuery *index.Query
	enabledView  []set.SetInfo
	disabledView []set.SetInfo

	statusCount atomic.Int64
	nextUID     atomic.Int64
}

// New creates a set configuration store. keyPrefix namespaces the
// persisted hashes, e.g. "metarepo:".
func New(s store, keyPrefix string) *Repo {
	return &Repo{store: s, keyPrefix: keyPrefix}
}

func (r *Repo) setKey(spec string) string {
	return r.keyPrefix + "set:" + spec
}

// Load hydrates the in-memory table from the persisted hashes. Existing
// in-memory state is replaced.
func (r *Repo) Load(ctx context.Context) error {
	keys, err := r.store.Scan(ctx, r.setKey("*"))
	if err != nil {
		return fmt.Errorf("scan sets: %w", err)
	}

	loaded := make([]set.SetInfo, 0, len(keys))
	var maxUID int64
	for _, key := range keys {
		m, err := r.store.HGetAll(ctx, key)
		if err != nil {
			return fmt.Errorf("load set %s: %w", key, err)
		}
		if len(m) == 0 {
			continue
		}
		si, err := setFromHash(m)
		if err != nil {
			return fmt.Errorf("parse set %s: %w", key, err)
		}
		if si.UID() > maxUID {
			maxUID = si.UID()
		}
		loaded = append(loaded, si)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].UID() < loaded[j].UID() })

	r.mu.Lock()
	r.sets = loaded
	r.invalidate()
	r.mu.Unlock()
	r.nextUID.Store(maxUID)
	r.statusCount.Add(1)
	return nil
}

// List returns the configured sets in configuration order.
func (r *Repo) List() []set.SetInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]set.SetInfo, len(r.sets))
	copy(out, r.sets)
	return out
}

// ByKey returns the set with the given setSpec.
func (r *Repo) ByKey(spec string) (set.SetInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sets {
		if s.SetSpec() == spec {
			return s, nil
		}
	}
	return set.SetInfo{}, domain.ErrSetNotConfigured
}

// Add registers a new set. The setSpec must be unused and none of its
// directories may belong to another set.
func (r *Repo) Add(ctx context.Context, si set.SetInfo) error {
	r.mu.Lock()
	for _, s := range r.sets {
		if s.SetSpec() == si.SetSpec() {
			r.mu.Unlock()
			return domain.ErrDuplicateSet
		}
	}
	if err := r.checkDirOwnership(si); err != nil {
		r.mu.Unlock()
		return err
	}
	si = si.WithUID(r.nextUID.Add(1))
	r.sets = append(r.sets, si)
	r.invalidate()
	r.mu.Unlock()
	r.statusCount.Add(1)

	return r.persist(ctx, si)
}

// Replace swaps the configuration of an existing set, keyed by setSpec,
// diffing the old directory list against the new one: documents of a
// directory dropped from the set are removed from the index. Documents of
// added directories arrive with the next reindex pass.
func (r *Repo) Replace(ctx context.Context, si set.SetInfo) error {
	r.mu.Lock()
	pos := -1
	for i, s := range r.sets {
		if s.SetSpec() == si.SetSpec() {
			pos = i
			break
		}
	}
	if pos < 0 {
		r.mu.Unlock()
		return domain.ErrSetNotConfigured
	}
	if err := r.checkDirOwnership(si); err != nil {
		r.mu.Unlock()
		return err
	}
	old := r.sets[pos]
	si = si.WithUID(old.UID())
	r.sets[pos] = si
	r.invalidate()
	r.mu.Unlock()
	r.statusCount.Add(1)

	if err := r.persist(ctx, si); err != nil {
		return err
	}
	for _, dir := range old.Directories() {
		if si.HasDirectory(dir) {
			continue
		}
		if _, err := r.store.Remove(ctx, index.FieldDocDir, dir); err != nil {
			return fmt.Errorf("remove documents of %s: %w", dir, err)
		}
	}
	return nil
}

// Remove unregisters a set, deletes its persisted hash, and removes its
// directories' documents from the index.
func (r *Repo) Remove(ctx context.Context, spec string) error {
	r.mu.Lock()
	pos := -1
	for i, s := range r.sets {
		if s.SetSpec() == spec {
			pos = i
			break
		}
	}
	if pos < 0 {
		r.mu.Unlock()
		return domain.ErrSetNotConfigured
	}
	removed := r.sets[pos]
	r.sets = append(r.sets[:pos], r.sets[pos+1:]...)
	r.invalidate()
	r.mu.Unlock()
	r.statusCount.Add(1)

	if err := r.store.HDel(ctx, r.setKey(spec)); err != nil {
		return fmt.Errorf("delete set %s: %w", spec, err)
	}
	for _, dir := range removed.Directories() {
		if _, err := r.store.Remove(ctx, index.FieldDocDir, dir); err != nil {
			return fmt.Errorf("remove documents of %s: %w", dir, err)
		}
	}
	return nil
}

// SetEnabled flips the enabled flag of a set.
func (r *Repo) SetEnabled(ctx context.Context, spec string, enabled bool) error {
	si, err := r.ByKey(spec)
	if err != nil {
		return err
	}
	return r.Replace(ctx, si.WithEnabled(enabled))
}

// OwnerOf returns the set owning the given directory.
func (r *Repo) OwnerOf(dir string) (set.SetInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sets {
		if s.HasDirectory(dir) {
			return s, nil
		}
	}
	return set.SetInfo{}, domain.ErrSetNotConfigured
}

// StatusModCount returns the monotonic counter bumped on every mutation.
// Cached query predicates compare it to decide whether to recompute.
func (r *Repo) StatusModCount() int64 {
	return r.statusCount.Load()
}

// --- derived views, memoized until the next mutation ---

// SetSpecs returns the setSpecs in configuration order.
func (r *Repo) SetSpecs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.specs == nil {
		r.specs = make([]string, len(r.sets))
		for i, s := range r.sets {
			r.specs[i] = s.SetSpec()
		}
	}
	out := make([]string, len(r.specs))
	copy(out, r.specs)
	return out
}

// Formats returns the distinct xml formats across all configured
// directories, sorted.
func (r *Repo) Formats() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.formats == nil {
		seen := make(map[string]bool)
		for _, s := range r.sets {
			for _, d := range s.DirInfos() {
				seen[d.Format()] = true
			}
		}
		r.formats = make([]string, 0, len(seen))
		for f := range seen {
			r.formats = append(r.formats, f)
		}
		sort.Strings(r.formats)
	}
	out := make([]string, len(r.formats))
	copy(out, r.formats)
	return out
}

// EnabledQuery returns a query matching documents in any enabled set's
// directory, or nil when no set is enabled.
func (r *Repo) EnabledQuery() *index.Query {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabledQuery == nil {
		var terms []*index.Query
		for _, s := range r.sets {
			if !s.Enabled() {
				continue
			}
			for _, dir := range s.Directories() {
				terms = append(terms, index.Term(index.FieldDocDir, dir))
			}
		}
		if terms == nil {
			return nil
		}
		r.enabledQuery = index.Or(terms...)
	}
	return r.enabledQuery
}

// Enabled returns the enabled sets in configuration order.
func (r *Repo) Enabled() []set.SetInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabledView == nil {
		r.enabledView = filterEnabled(r.sets, true)
	}
	out := make([]set.SetInfo, len(r.enabledView))
	copy(out, r.enabledView)
	return out
}

// Disabled returns the disabled sets in configuration order.
func (r *Repo) Disabled() []set.SetInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disabledView == nil {
		r.disabledView = filterEnabled(r.sets, false)
	}
	out := make([]set.SetInfo, len(r.disabledView))
	copy(out, r.disabledView)
	return out
}

// checkDirOwnership reports a directory already owned by a different set.
// Callers hold r.mu.
func (r *Repo) checkDirOwnership(si set.SetInfo) error {
	for _, s := range r.sets {
		if s.SetSpec() == si.SetSpec() {
			continue
		}
		for _, dir := range si.Directories() {
			if s.HasDirectory(dir) {
				return &domain.DuplicateDirectoryError{Directory: dir, SetSpec: s.SetSpec()}
			}
		}
	}
	return nil
}

func (r *Repo) invalidate() {
	r.specs = nil
	r.formats = nil
	r.enabledQuery = nil
	r.enabledView = nil
	r.disabledView = nil
}

func (r *Repo) persist(ctx context.Context, si set.SetInfo) error {
	fields, err := setToHash(si)
	if err != nil {
		return err
	}
	if err := r.store.HSet(ctx, r.setKey(si.SetSpec()), fields); err != nil {
		return fmt.Errorf("persist set %s: %w", si.SetSpec(), err)
	}
	return nil
}

func filterEnabled(sets []set.SetInfo, enabled bool) []set.SetInfo {
	out := make([]set.SetInfo, 0, len(sets))
	for _, s := range sets {
		if s.Enabled() == enabled {
			out = append(out, s)
		}
	}
	return out
}

// Package records is the record lifecycle manager: put, delete and
// reindex of metadata records, with the one-hop consistency cascade
// across related records.
package records

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dlmeta/metarepo/internal/domain"
	"github.com/dlmeta/metarepo/internal/domain/record"
	"github.com/dlmeta/metarepo/internal/domain/set"
	"github.com/dlmeta/metarepo/internal/index"
)

// maxRelated bounds relation lookups per record.
const maxRelated = 1000

// docStore is the consumer interface for the document index (ISP).
type docStore interface {
	Add(ctx context.Context, doc index.Document) error
	Remove(ctx context.Context, field, value string) (int, error)
	Search(ctx context.Context, q *index.Query, opts index.SearchOptions) (*index.Result, error)
	Count(ctx context.Context, q *index.Query) (int, error)
}

// setConfig resolves set configuration for lifecycle operations.
type setConfig interface {
	ByKey(spec string) (set.SetInfo, error)
	OwnerOf(dir string) (set.SetInfo, error)
}

// Manager serializes all record mutation behind one exclusive update
// lock. The exported methods take the lock once; the unexported doPut,
// doDelete and doReindex internals run under the already-held lock, which
// is how reindex can re-enter put without deadlocking.
type Manager struct {
	log     *zap.Logger
	store   docStore
	sets    setConfig
	writers *Registry

	// removeOnDelete controls whether DeleteRecord removes files and
	// index entries outright or leaves a tombstone in place.
	removeOnDelete bool

	mu sync.Mutex
}

// NewManager creates a lifecycle manager.
func NewManager(log *zap.Logger, store docStore, sets setConfig, writers *Registry, removeOnDelete bool) *Manager {
	return &Manager{log: log, store: store, sets: sets, writers: writers, removeOnDelete: removeOnDelete}
}

// PutRecord validates, places and indexes one record, then reindexes its
// related records (one hop). The returned id is the definitive record id:
// the one found in the XML, or the explicit id when the XML carries none.
func (m *Manager) PutRecord(ctx context.Context, xmlData, format, setSpec, id string, w Writer, persist bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doPut(ctx, []byte(xmlData), format, setSpec, id, w, persist, true)
}

// DeleteRecord removes a record. It returns false (and no error) when no
// such record is indexed. Records that declared a relationship to the
// deleted id are reindexed afterward so their derived fields are cleared.
func (m *Manager) DeleteRecord(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doDelete(ctx, id)
}

// ReindexRecord re-puts a record from its currently indexed XML.
// cascadeRelations controls whether the related-record cascade runs;
// cascaded reindexes never cascade further.
func (m *Manager) ReindexRecord(ctx context.Context, id string, w Writer, persist, cascadeRelations bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doReindex(ctx, id, w, persist, cascadeRelations)
}

// IndexFile parses and indexes one on-disk record file without cascade.
// A file that cannot be parsed is recorded as an error document and does
// not fail the call; only an unconfigured directory does.
func (m *Manager) IndexFile(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Dir(path)
	si, err := m.sets.OwnerOf(dir)
	if err != nil {
		return fmt.Errorf("directory %s: %w", dir, err)
	}
	format := formatOfDir(si, dir)

	data, err := os.ReadFile(path)
	if err != nil {
		return m.indexErrorDoc(ctx, si.SetSpec(), format, dir, path, err)
	}
	rec, err := m.writers.For(format).Parse(data, si.SetSpec(), format)
	if err != nil {
		return m.indexErrorDoc(ctx, si.SetSpec(), format, dir, path, err)
	}
	if rec.ID == "" {
		rec.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := m.checkOwnership(ctx, rec.ID, si.SetSpec()); err != nil {
		return m.indexErrorDoc(ctx, si.SetSpec(), format, dir, path, err)
	}
	return m.indexParsed(ctx, rec, dir, path)
}

// --- internals, running under the held update lock ---

func (m *Manager) doPut(ctx context.Context, data []byte, format, setSpec, id string, w Writer, persist, cascade bool) (string, error) {
	si, err := m.sets.ByKey(setSpec)
	if err != nil {
		return "", domain.NewRecordUpdateError("set %q is not configured", setSpec)
	}
	dir := dirFor(si, format)
	if dir == "" {
		return "", domain.NewRecordUpdateError(
			"set %q does not accept format %q (configured format %q)", setSpec, format, si.Format())
	}

	if w == nil {
		w = m.writers.For(format)
	}
	rec, err := w.Parse(data, setSpec, format)
	if err != nil {
		return "", domain.WrapRecordUpdateError(err, "cannot parse record for set %q", setSpec)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	if rec.ID == "" {
		return "", domain.NewRecordUpdateError("record has no id and none was supplied")
	}
	if err := m.checkOwnership(ctx, rec.ID, setSpec); err != nil {
		return "", err
	}

	file := filepath.Join(dir, rec.ID+".xml")
	if persist {
		if err := writeFileAtomic(file, data); err != nil {
			return "", domain.WrapRecordUpdateError(err, "cannot place record file %s", file)
		}
	}

	if err := m.indexParsed(ctx, rec, dir, file); err != nil {
		return "", err
	}

	if cascade {
		for _, rid := range m.relatedOf(ctx, rec) {
			if rid == rec.ID {
				continue
			}
			if _, err := m.doReindex(ctx, rid, nil, false, false); err != nil {
				m.log.Warn("cascade reindex failed",
					zap.String("id", rid), zap.String("origin", rec.ID), zap.Error(err))
			}
		}
	}
	return rec.ID, nil
}

func (m *Manager) doDelete(ctx context.Context, id string) (bool, error) {
	res, err := m.store.Search(ctx, index.Term(index.FieldID, id), index.SearchOptions{Limit: maxRelated})
	if err != nil {
		return false, fmt.Errorf("lookup %q: %w", id, err)
	}
	if len(res.Docs) == 0 {
		return false, nil
	}

	// collect referrers before the delete changes what resolves
	referrers := m.idsMatching(ctx, index.Or(
		index.Term(index.FieldAssignedRelIDs, id),
		index.Term(index.FieldRelatedIDs, id),
	))

	for _, doc := range res.Docs {
		if m.removeOnDelete {
			if file := doc.First(index.FieldDocFile); file != "" {
				if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
					return false, domain.WrapRecordUpdateError(err, "cannot delete record file %s", file)
				}
			}
			if _, err := m.store.Remove(ctx, index.FieldID, id); err != nil {
				return false, fmt.Errorf("remove %q from index: %w", id, err)
			}
			continue
		}

		doc.Fields[index.FieldDeleted] = []string{"true"}
		doc.Fields[index.FieldRelatedIDs] = nil
		doc.Datestamp = time.Now().UTC()
		if err := m.store.Add(ctx, doc); err != nil {
			return false, fmt.Errorf("tombstone %q: %w", id, err)
		}
	}

	for _, rid := range referrers {
		if rid == id {
			continue
		}
		if _, err := m.doReindex(ctx, rid, nil, false, false); err != nil {
			m.log.Warn("reindex of referrer failed",
				zap.String("id", rid), zap.String("deleted", id), zap.Error(err))
		}
	}
	return true, nil
}

func (m *Manager) doReindex(ctx context.Context, id string, w Writer, persist, cascade bool) (string, error) {
	res, err := m.store.Search(ctx, index.Term(index.FieldID, id), index.SearchOptions{Limit: 1})
	if err != nil {
		return "", fmt.Errorf("lookup %q: %w", id, err)
	}
	if len(res.Docs) == 0 {
		return "", domain.NewRecordUpdateError("record %q is not indexed", id)
	}
	doc := res.Docs[0]

	// tombstones and error documents carry no derived state to rebuild
	if doc.First(index.FieldDeleted) == "true" || doc.First(index.FieldDocType) == record.DocTypeErrorDoc {
		return id, nil
	}

	return m.doPut(ctx,
		[]byte(doc.First(index.FieldXML)),
		doc.First(index.FieldFormat),
		doc.First(index.FieldCollection),
		id, w, persist, cascade)
}

// checkOwnership rejects an id already indexed under a different set.
func (m *Manager) checkOwnership(ctx context.Context, id, setSpec string) error {
	res, err := m.store.Search(ctx, index.Term(index.FieldID, id), index.SearchOptions{Limit: 1})
	if err != nil {
		return fmt.Errorf("lookup %q: %w", id, err)
	}
	if len(res.Docs) > 0 {
		if owner := res.Docs[0].First(index.FieldCollection); owner != setSpec {
			return domain.NewRecordUpdateError("id %q already exists in set %q", id, owner)
		}
	}
	return nil
}

// indexParsed computes the record's related-ids view and commits the
// document to the index.
func (m *Manager) indexParsed(ctx context.Context, rec *record.Record, dir, file string) error {
	related := m.relatedOf(ctx, rec)

	fields := map[string][]string{
		index.FieldID:         {rec.ID},
		index.FieldCollection: {rec.SetSpec},
		index.FieldFormat:     {rec.Format},
		index.FieldDocDir:     {dir},
		index.FieldStatus:     {rec.EffectiveStatus()},
		index.FieldDeleted:    {strconv.FormatBool(rec.Deleted)},
		index.FieldDocType:    {record.DocTypeRecord},
		index.FieldXML:        {rec.XML},
		index.FieldDocFile:    {file},
	}
	if len(rec.URLs) > 0 {
		fields[index.FieldURL] = rec.URLs
	}
	if len(rec.AssignedRelIDs) > 0 {
		fields[index.FieldAssignedRelIDs] = rec.AssignedRelIDs
	}
	if len(rec.RelatedURLs) > 0 {
		fields[index.FieldRelatedURLs] = rec.RelatedURLs
	}
	if len(related) > 0 {
		fields[index.FieldRelatedIDs] = related
		fields[index.FieldMultiRecord] = []string{"true"}
	}
	if rec.Title != "" {
		fields[index.FieldTitle] = []string{rec.Title}
	}
	if rec.FullText != "" {
		fields[index.FieldDefault] = []string{rec.FullText}
	}

	stamp := rec.Datestamp
	if stamp.IsZero() {
		stamp = time.Now().UTC()
	}
	doc := index.Document{Key: rec.ID, Fields: fields, Datestamp: stamp}
	if err := m.store.Add(ctx, doc); err != nil {
		return fmt.Errorf("index %q: %w", rec.ID, err)
	}
	return nil
}

// relatedOf computes the record's related-ids view: declared refs that
// resolve, ids of live records declaring a ref back, and ids of records
// sharing a resource URL.
func (m *Manager) relatedOf(ctx context.Context, rec *record.Record) []string {
	seen := make(map[string]bool)

	for _, rid := range rec.AssignedRelIDs {
		n, err := m.store.Count(ctx, index.Term(index.FieldID, rid))
		if err != nil {
			m.log.Warn("relation lookup failed", zap.String("ref", rid), zap.Error(err))
			continue
		}
		if n > 0 {
			seen[rid] = true
		}
	}
	for _, rid := range m.idsMatching(ctx, index.Term(index.FieldAssignedRelIDs, rec.ID)) {
		seen[rid] = true
	}
	for _, u := range rec.URLs {
		for _, rid := range m.idsMatching(ctx, index.Term(index.FieldURL, u)) {
			if rid != rec.ID {
				seen[rid] = true
			}
		}
	}

	out := make([]string, 0, len(seen))
	for rid := range seen {
		out = append(out, rid)
	}
	sort.Strings(out)
	return out
}

// idsMatching returns the ids of live documents matching q.
func (m *Manager) idsMatching(ctx context.Context, q *index.Query) []string {
	live := index.Bool().Must(q).MustNot(index.Term(index.FieldDeleted, "true"))
	res, err := m.store.Search(ctx, live, index.SearchOptions{Limit: maxRelated})
	if err != nil {
		m.log.Warn("relation query failed", zap.Error(err))
		return nil
	}
	ids := make([]string, 0, len(res.Docs))
	for _, d := range res.Docs {
		if id := d.First(index.FieldID); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Manager) indexErrorDoc(ctx context.Context, setSpec, format, dir, path string, cause error) error {
	doc := index.Document{
		Key: path,
		Fields: map[string][]string{
			index.FieldCollection: {setSpec},
			index.FieldFormat:     {format},
			index.FieldDocDir:     {dir},
			index.FieldDocFile:    {path},
			index.FieldDocType:    {record.DocTypeErrorDoc},
			index.FieldDeleted:    {"false"},
			index.FieldDefault:    {cause.Error()},
		},
		Datestamp: time.Now().UTC(),
	}
	if err := m.store.Add(ctx, doc); err != nil {
		return fmt.Errorf("index error document for %s: %w", path, err)
	}
	m.log.Warn("record file failed to index", zap.String("file", path), zap.Error(cause))
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place. A partially created file never survives.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".put-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func dirFor(si set.SetInfo, format string) string {
	for _, d := range si.DirInfos() {
		if d.Format() == format {
			return d.Directory()
		}
	}
	return ""
}

func formatOfDir(si set.SetInfo, dir string) string {
	for _, d := range si.DirInfos() {
		if d.Directory() == dir {
			return d.Format()
		}
	}
	return si.Format()
}

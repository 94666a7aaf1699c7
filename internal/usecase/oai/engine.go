// Package oai is the discoverability and OAI query engine: it assembles
// the standing predicates over the document index and answers the
// protocol-shaped queries (Identify, ListSets, ListMetadataFormats,
// GetRecord, ListRecords/ListIdentifiers).
package oai

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dlmeta/metarepo/internal/domain"
	"github.com/dlmeta/metarepo/internal/domain/record"
	"github.com/dlmeta/metarepo/internal/domain/set"
	"github.com/dlmeta/metarepo/internal/index"
	"github.com/dlmeta/metarepo/internal/repository/admin"
	"github.com/dlmeta/metarepo/internal/usecase/convert"
)

// Deleted-record policy values advertised by Identify.
const (
	DeletedPolicyNo        = "no"
	DeletedPolicyTransient = "transient"
)

// store is the consumer interface for the document index (ISP).
type store interface {
	Search(ctx context.Context, q *index.Query, opts index.SearchOptions) (*index.Result, error)
	Count(ctx context.Context, q *index.Query) (int, error)
	LastModCount(ctx context.Context) (int64, error)
}

// setConfig exposes the set-configuration views the engine needs.
type setConfig interface {
	Enabled() []set.SetInfo
	Disabled() []set.SetInfo
	Formats() []string
	StatusModCount() int64
}

// ruleTable resolves a setSpec to its compiled membership query.
type ruleTable interface {
	QueryFor(setSpec string) (*index.Query, bool)
}

// settings exposes the persisted repository identity and tuning values.
type settings interface {
	RepositoryName() string
	RepositoryIdentifier() string
	ProtocolVersion() string
	Granularity() string
	AdminEmails() []string
	Descriptions() []string
	Compressions() []string
	NumRecordsResults() int
	NumIdentifiersResults() int
	FormatNamespace(format string) string
	FormatSchema(format string) string
	BoostFactor(key string) float64
	StemmingEnabled() bool
	Get(key string) string
}

// Engine holds the standing predicates, rebuilt by mod-counter comparison
// whenever the set configuration or the index changes.
type Engine struct {
	store    store
	sets     setConfig
	rules    ruleTable
	conv     *convert.Service
	settings settings

	// removeOnDelete decides the advertised deleted-record policy.
	removeOnDelete bool

	mu    sync.Mutex
	cache *predicates
}

// predicates is one atomically replaced generation of standing queries.
type predicates struct {
	setsCount int64
	modCount  int64

	discoverable *index.Query
	enabledSets  *index.Query // nil when no set is enabled
	disabledDirs *index.Query // nil when no set is disabled
	convertible  map[string]*index.Query
}

// NewEngine creates the query engine.
func NewEngine(s store, sets setConfig, rules ruleTable, conv *convert.Service, st settings, removeOnDelete bool) *Engine {
	return &Engine{store: s, sets: sets, rules: rules, conv: conv, settings: st, removeOnDelete: removeOnDelete}
}

// predicatesFor returns the current predicate generation, recomputing it
// when either modification counter moved. A concurrent reader may
// recompute once extra but never sees a torn generation.
func (e *Engine) predicatesFor(ctx context.Context) (*predicates, error) {
	setsCount := e.sets.StatusModCount()
	modCount, err := e.store.LastModCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("read mod count: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cache != nil && e.cache.setsCount == setsCount && e.cache.modCount == modCount {
		return e.cache, nil
	}

	p := &predicates{
		setsCount:   setsCount,
		modCount:    modCount,
		convertible: map[string]*index.Query{},
		discoverable: index.Bool().
			Must(index.Term(index.FieldStatus, record.StatusAccessionedDiscoverable)).
			MustNot(index.Term(index.FieldDocType, record.DocTypeErrorDoc)),
	}

	var enabled []*index.Query
	for _, si := range e.sets.Enabled() {
		if q, ok := e.rules.QueryFor(si.SetSpec()); ok {
			enabled = append(enabled, q)
			continue
		}
		// sets without a rule are scoped by their directories
		var dirs []*index.Query
		for _, d := range si.Directories() {
			dirs = append(dirs, index.Term(index.FieldDocDir, d))
		}
		enabled = append(enabled, index.Or(dirs...))
	}
	if enabled != nil {
		p.enabledSets = index.Or(enabled...)
	}

	var disabledDirs []*index.Query
	for _, si := range e.sets.Disabled() {
		for _, d := range si.Directories() {
			disabledDirs = append(disabledDirs, index.Term(index.FieldDocDir, d))
		}
	}
	if disabledDirs != nil {
		p.disabledDirs = index.Or(disabledDirs...)
	}

	e.cache = p
	return p, nil
}

// convertibleQuery returns (and memoizes) the predicate matching every
// native format that can produce the requested format. ok is false when
// no configured format can produce it.
func (e *Engine) convertibleQuery(p *predicates, format string) (*index.Query, bool) {
	e.mu.Lock()
	q, cached := p.convertible[format]
	e.mu.Unlock()
	if cached {
		return q, q != nil
	}

	configured := make(map[string]bool)
	for _, f := range e.sets.Formats() {
		configured[f] = true
	}
	var terms []*index.Query
	for _, f := range e.conv.Sources(format) {
		if configured[f] {
			terms = append(terms, index.Term(index.FieldFormat, f))
		}
	}
	if terms == nil {
		q = nil
	} else {
		q = index.Or(terms...)
	}

	e.mu.Lock()
	p.convertible[format] = q
	e.mu.Unlock()
	return q, q != nil
}

// --- Identify accessors ---

// Identity is the Identify response payload, minus the transport-owned
// base URL.
type Identity struct {
	RepositoryName    string
	RepositoryID      string
	ProtocolVersion   string
	EarliestDatestamp time.Time
	DeletedRecord     string
	Granularity       string
	AdminEmails       []string
	Descriptions      []string
	Compressions      []string
}

// Identify assembles the repository identity.
func (e *Engine) Identify(ctx context.Context) (*Identity, error) {
	earliest, err := e.EarliestDatestamp(ctx)
	if err != nil {
		return nil, err
	}
	return &Identity{
		RepositoryName:    e.settings.RepositoryName(),
		RepositoryID:      e.settings.RepositoryIdentifier(),
		ProtocolVersion:   e.settings.ProtocolVersion(),
		EarliestDatestamp: earliest,
		DeletedRecord:     e.DeletedRecordPolicy(),
		Granularity:       e.settings.Granularity(),
		AdminEmails:       e.settings.AdminEmails(),
		Descriptions:      e.settings.Descriptions(),
		Compressions:      e.settings.Compressions(),
	}, nil
}

// DeletedRecordPolicy is derived structurally: files physically removed
// on delete mean no deletions are kept; tombstoning keeps them until the
// index is rebuilt.
func (e *Engine) DeletedRecordPolicy() string {
	if e.removeOnDelete {
		return DeletedPolicyNo
	}
	return DeletedPolicyTransient
}

// EarliestDatestamp returns the oldest record datestamp, or the epoch
// when the index is empty.
func (e *Engine) EarliestDatestamp(ctx context.Context) (time.Time, error) {
	res, err := e.store.Search(ctx, index.MatchAll(), index.SearchOptions{Limit: 1, OldestFirst: true})
	if err != nil {
		return time.Time{}, fmt.Errorf("earliest datestamp: %w", err)
	}
	if len(res.Docs) == 0 {
		return time.Unix(0, 0).UTC(), nil
	}
	return res.Docs[0].Datestamp, nil
}

// --- listings ---

// SetView is one ListSets entry.
type SetView struct {
	SetSpec     string
	Name        string
	Description string
}

// ListSets returns the enabled sets. An empty result means the
// repository advertises no set hierarchy.
func (e *Engine) ListSets(_ context.Context) []SetView {
	enabled := e.sets.Enabled()
	out := make([]SetView, 0, len(enabled))
	for _, si := range enabled {
		out = append(out, SetView{SetSpec: si.SetSpec(), Name: si.Name(), Description: si.Description()})
	}
	return out
}

// FormatView is one ListMetadataFormats entry.
type FormatView struct {
	Prefix    string
	Namespace string
	Schema    string
}

// ListFormats returns the disseminable formats: for id == "", everything
// producible from any configured format; otherwise everything producible
// from the record's native format.
func (e *Engine) ListFormats(ctx context.Context, id string) ([]FormatView, error) {
	var formats []string
	if id == "" {
		formats = e.conv.OutputFormats(e.sets.Formats())
	} else {
		res, err := e.store.Search(ctx, index.Term(index.FieldID, id), index.SearchOptions{Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("lookup %q: %w", id, err)
		}
		if len(res.Docs) == 0 {
			return nil, domain.NewOAIError(domain.OAIIDDoesNotExist, "no record with id %q", id)
		}
		formats = e.conv.Reachable(res.Docs[0].First(index.FieldFormat))
	}

	out := make([]FormatView, 0, len(formats))
	for _, f := range formats {
		out = append(out, FormatView{
			Prefix:    f,
			Namespace: e.settings.FormatNamespace(f),
			Schema:    e.settings.FormatSchema(f),
		})
	}
	return out, nil
}

// adminFilter returns the configured corpus-subtraction query, if any.
func (e *Engine) adminFilter() (*index.Query, error) {
	raw := e.settings.Get(admin.KeyOAIFilterQuery)
	if raw == "" {
		return nil, nil
	}
	q, err := index.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("configured filter query: %w", err)
	}
	return q, nil
}

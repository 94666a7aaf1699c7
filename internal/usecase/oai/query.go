package oai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dlmeta/metarepo/internal/domain"
	"github.com/dlmeta/metarepo/internal/index"
	"github.com/dlmeta/metarepo/internal/repository/admin"
)

// OAI datestamp layouts, selected by value length.
const (
	dayLayout = "2006-01-02"
	secLayout = "2006-01-02T15:04:05Z"
)

// ListRequest is a ListRecords/ListIdentifiers-shaped query.
type ListRequest struct {
	Format   string
	Set      string
	From     string // OAI datestamp, optional
	Until    string // OAI datestamp, optional
	RawQuery string // ODL extension; "*" means all non-deleted records
	Offset   int
	Limit    int // 0 means the configured page size
}

// Header is the protocol view of one record.
type Header struct {
	ID        string
	SetSpec   string
	Format    string
	Datestamp time.Time
	Deleted   bool
}

// Item is one disseminated record.
type Item struct {
	Header
	XML string
}

// ListResult is one page of a list response.
type ListResult struct {
	Total int
	Items []Item
}

// ListRecords runs the assembled corpus query. Harvest requests come
// back oldest first so resumption offsets stay stable across pages;
// free-form queries rank by score, which is where the configured boosts
// take effect.
func (e *Engine) ListRecords(ctx context.Context, req ListRequest) (*ListResult, error) {
	p, err := e.predicatesFor(ctx)
	if err != nil {
		return nil, err
	}
	q, err := e.buildCorpus(p, req)
	if err != nil {
		return nil, err
	}
	after, until, err := parseDateRange(req.From, req.Until)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = e.settings.NumRecordsResults()
	}
	res, err := e.store.Search(ctx, q, index.SearchOptions{
		After:       after,
		Until:       until,
		Offset:      req.Offset,
		Limit:       limit,
		OldestFirst: req.RawQuery == "",
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	if res.Total == 0 {
		return nil, domain.NewOAIError(domain.OAINoRecordsMatch, "no records match the request")
	}

	out := &ListResult{Total: res.Total, Items: make([]Item, 0, len(res.Docs))}
	for _, d := range res.Docs {
		out.Items = append(out.Items, itemOf(d))
	}
	return out, nil
}

// GetRecord disseminates one record by id.
func (e *Engine) GetRecord(ctx context.Context, id, format string) (*Item, error) {
	res, err := e.store.Search(ctx, index.Term(index.FieldID, id), index.SearchOptions{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %w", id, err)
	}
	if len(res.Docs) == 0 {
		return nil, domain.NewOAIError(domain.OAIIDDoesNotExist, "no record with id %q", id)
	}
	doc := res.Docs[0]
	if format != "" && !e.conv.CanProduce(doc.First(index.FieldFormat), format) {
		return nil, domain.NewOAIError(domain.OAICannotDisseminateFormat,
			"record %q cannot be disseminated as %q", id, format)
	}
	item := itemOf(doc)
	return &item, nil
}

// buildCorpus assembles the top-level query:
//
//	(rawQuery OR defaultCorpus) AND convertibleFormat AND discoverable
//	AND enabledSets [AND setQuery] [AND NOT disabledDirs] [AND NOT filter]
//
// Administrator-configured boosts attach as optional clauses that only
// contribute score. The date-range filter is applied at search time,
// never folded in here.
func (e *Engine) buildCorpus(p *predicates, req ListRequest) (*index.Query, error) {
	if req.Format == "" {
		return nil, domain.NewOAIError(domain.OAIBadArgument, "metadataPrefix is required")
	}
	convertible, ok := e.convertibleQuery(p, req.Format)
	if !ok {
		return nil, domain.NewOAIError(domain.OAICannotDisseminateFormat,
			"no configured format can produce %q", req.Format)
	}

	base, err := e.baseQuery(req.RawQuery)
	if err != nil {
		return nil, err
	}

	if p.enabledSets == nil {
		return nil, domain.NewOAIError(domain.OAINoRecordsMatch, "no sets are enabled")
	}

	q := index.Bool().Must(base, convertible, p.discoverable, p.enabledSets)

	if req.Set != "" {
		setQ, err := e.setQuery(req.Set)
		if err != nil {
			return nil, err
		}
		q.Must(setQ)
	}
	if p.disabledDirs != nil {
		q.MustNot(p.disabledDirs)
	}
	filter, err := e.adminFilter()
	if err != nil {
		return nil, err
	}
	if filter != nil {
		q.MustNot(filter)
	}
	q.Should(e.boostClauses(req.RawQuery)...)
	return q, nil
}

// boostClauses builds the administrator-configured boost clauses: the
// reviewed-collection and multi-record boosts apply to every request,
// the title and stemming boosts expand the free-form query terms.
func (e *Engine) boostClauses(raw string) []*index.Query {
	var out []*index.Query
	if f := e.settings.BoostFactor(admin.KeyDrcBoostFactor); f > 0 {
		out = append(out, index.Term(index.FieldCollection, "drc").WithBoost(f))
	}
	if f := e.settings.BoostFactor(admin.KeyMultiDocBoostFactor); f > 0 {
		out = append(out, index.Term(index.FieldMultiRecord, "true").WithBoost(f))
	}

	titleBoost := e.settings.BoostFactor(admin.KeyTitleBoostFactor)
	var stemBoost float64
	if e.settings.StemmingEnabled() {
		stemBoost = e.settings.BoostFactor(admin.KeyStemmingBoostFactor)
	}
	if titleBoost <= 0 && stemBoost <= 0 {
		return out
	}
	for _, term := range queryTerms(raw) {
		if titleBoost > 0 {
			out = append(out, index.Phrase(index.FieldTitle, term).WithBoost(titleBoost))
		}
		if stemBoost > 0 {
			// substring phrase match stands in for stemmed variants
			out = append(out, index.Phrase(index.FieldDefault, term).WithBoost(stemBoost))
		}
	}
	return out
}

// queryTerms extracts the bare full-text terms of a raw query, skipping
// field-scoped terms, phrases and operators.
func queryTerms(raw string) []string {
	if raw == "" || raw == "*" {
		return nil
	}
	var out []string
	for _, tok := range strings.Fields(raw) {
		tok = strings.Trim(tok, `()!^`)
		switch {
		case tok == "", strings.ContainsAny(tok, `:"`):
		case tok == "AND" || tok == "OR" || tok == "NOT":
		default:
			out = append(out, tok)
		}
	}
	return out
}

// baseQuery resolves the raw-query sugar: "*" selects all non-deleted
// records; absence selects the standard corpus with deletion tombstones
// boosted to the bottom rather than excluded.
func (e *Engine) baseQuery(raw string) (*index.Query, error) {
	switch raw {
	case "*":
		return index.Term(index.FieldDeleted, "false"), nil
	case "":
		return index.Bool().Should(
			index.Term(index.FieldDeleted, "false").WithBoost(10),
			index.Term(index.FieldDeleted, "true"),
		), nil
	default:
		q, err := index.Parse(raw)
		if err != nil {
			return nil, domain.NewOAIError(domain.OAIBadArgument, "malformed query: %v", err)
		}
		return q, nil
	}
}

// setQuery resolves a requested setSpec to its membership predicate.
func (e *Engine) setQuery(spec string) (*index.Query, error) {
	if q, ok := e.rules.QueryFor(spec); ok {
		return q, nil
	}
	for _, si := range e.sets.Enabled() {
		if si.SetSpec() != spec {
			continue
		}
		var dirs []*index.Query
		for _, d := range si.Directories() {
			dirs = append(dirs, index.Term(index.FieldDocDir, d))
		}
		return index.Or(dirs...), nil
	}
	return nil, domain.NewOAIError(domain.OAINoRecordsMatch, "set %q matches no records", spec)
}

// parseDateRange parses the from/until datestamps into the half-open
// search bounds. When both bounds are equal the upper bound is nudged
// forward one granularity unit so the interval is not empty. Bounds of
// different granularity are a protocol error.
func parseDateRange(from, until string) (*time.Time, *time.Time, error) {
	if from == "" && until == "" {
		return nil, nil, nil
	}
	if from != "" && until != "" && len(from) != len(until) {
		return nil, nil, domain.NewOAIError(domain.OAIBadArgument,
			"from %q and until %q use different granularities", from, until)
	}

	var lower, upper *time.Time
	if from != "" {
		t, err := parseDatestamp(from)
		if err != nil {
			return nil, nil, err
		}
		lower = &t
	}
	if until != "" {
		t, err := parseDatestamp(until)
		if err != nil {
			return nil, nil, err
		}
		if from == until {
			t = t.Add(granularityUnit(until))
		}
		upper = &t
	}
	return lower, upper, nil
}

func parseDatestamp(s string) (time.Time, error) {
	layout := secLayout
	if len(s) == len(dayLayout) {
		layout = dayLayout
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, domain.NewOAIError(domain.OAIBadArgument, "malformed datestamp %q", s)
	}
	return t.UTC(), nil
}

func granularityUnit(s string) time.Duration {
	if len(s) == len(dayLayout) {
		return 24 * time.Hour
	}
	return time.Second
}

func itemOf(d index.Document) Item {
	return Item{
		Header: Header{
			ID:        d.First(index.FieldID),
			SetSpec:   d.First(index.FieldCollection),
			Format:    d.First(index.FieldFormat),
			Datestamp: d.Datestamp,
			Deleted:   d.First(index.FieldDeleted) == "true",
		},
		XML: d.First(index.FieldXML),
	}
}

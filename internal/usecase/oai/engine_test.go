package oai

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/dlmeta/metarepo/internal/domain"
	"github.com/dlmeta/metarepo/internal/domain/record"
	"github.com/dlmeta/metarepo/internal/domain/set"
	"github.com/dlmeta/metarepo/internal/index"
	"github.com/dlmeta/metarepo/internal/index/memory"
	"github.com/dlmeta/metarepo/internal/repository/admin"
	"github.com/dlmeta/metarepo/internal/repository/sets"
	"github.com/dlmeta/metarepo/internal/usecase/convert"
	"github.com/dlmeta/metarepo/internal/usecase/mapper"
)

const ruleDoc = `<ListSets>
  <set><setSpec>abc</setSpec><include><directory>/data/abc</directory></include></set>
  <set><setSpec>off</setSpec><include><directory>/data/off</directory></include></set>
</ListSets>`

type fixture struct {
	engine *Engine
	store  *memory.Store
	sets   *sets.Repo
	admin  *admin.Repo
}

func newFixture(t *testing.T, removeOnDelete bool) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()

	cfg := sets.New(store, "metarepo:")
	addSet(t, ctx, cfg, "abc", "/data/abc", "adn", true)
	addSet(t, ctx, cfg, "off", "/data/off", "adn", false)

	m := mapper.New(store)
	if err := m.Load([]byte(ruleDoc)); err != nil {
		t.Fatalf("load rules: %v", err)
	}

	conv := convert.New(map[string][]string{"adn": {"oai_dc"}})
	adm := admin.New(store, "metarepo:")

	return &fixture{
		engine: NewEngine(store, cfg, m, conv, adm, removeOnDelete),
		store:  store,
		sets:   cfg,
		admin:  adm,
	}
}

func addSet(t *testing.T, ctx context.Context, cfg *sets.Repo, spec, dir, format string, enabled bool) {
	t.Helper()
	d, err := set.NewDirInfo(dir, format)
	if err != nil {
		t.Fatal(err)
	}
	si, err := set.New(spec, spec, "", enabled, d)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Add(ctx, si); err != nil {
		t.Fatal(err)
	}
}

type seed struct {
	id      string
	dir     string
	status  string
	title   string
	text    string
	deleted bool
	multi   bool
	docType string
	day     int
}

func (f *fixture) add(t *testing.T, s seed) {
	t.Helper()
	if s.status == "" {
		s.status = record.StatusAccessionedDiscoverable
	}
	if s.docType == "" {
		s.docType = record.DocTypeRecord
	}
	doc := index.Document{
		Key: s.id,
		Fields: map[string][]string{
			index.FieldID:         {s.id},
			index.FieldCollection: {"abc"},
			index.FieldFormat:     {"adn"},
			index.FieldDocDir:     {s.dir},
			index.FieldStatus:     {s.status},
			index.FieldDeleted:    {strconv.FormatBool(s.deleted)},
			index.FieldDocType:    {s.docType},
			index.FieldXML:        {"<itemRecord><id>" + s.id + "</id></itemRecord>"},
		},
		Datestamp: time.Date(2024, 5, s.day, 12, 0, 0, 0, time.UTC),
	}
	if s.title != "" {
		doc.Fields[index.FieldTitle] = []string{s.title}
	}
	if s.text != "" {
		doc.Fields[index.FieldDefault] = []string{s.text}
	}
	if s.multi {
		doc.Fields[index.FieldMultiRecord] = []string{"true"}
	}
	if err := f.store.Add(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) seedCorpus(t *testing.T) {
	t.Helper()
	f.add(t, seed{id: "TOMB", dir: "/data/abc", deleted: true, day: 1})
	f.add(t, seed{id: "LIVE", dir: "/data/abc", day: 2})
	f.add(t, seed{id: "ERR", dir: "/data/abc", docType: record.DocTypeErrorDoc, day: 3})
	f.add(t, seed{id: "HIDDEN", dir: "/data/abc", status: record.StatusAccessioned, day: 4})
	f.add(t, seed{id: "OFFDIR", dir: "/data/off", day: 5})
}

func oaiCode(t *testing.T, err error) domain.OAICode {
	t.Helper()
	var oe *domain.OAIError
	if !errors.As(err, &oe) {
		t.Fatalf("expected OAIError, got %v", err)
	}
	return oe.Code
}

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestListRecords_DefaultCorpus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.seedCorpus(t)

	res, err := f.engine.ListRecords(ctx, ListRequest{Format: "oai_dc"})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	// tombstones stay visible; error docs, non-discoverable and
	// disabled-directory records do not
	if res.Total != 2 {
		t.Fatalf("Total = %d, ids %v", res.Total, ids(res.Items))
	}
	if res.Items[0].ID != "TOMB" || res.Items[1].ID != "LIVE" {
		t.Errorf("oldest-first order broken: %v", ids(res.Items))
	}
	if !res.Items[0].Deleted || res.Items[1].Deleted {
		t.Error("deleted flags must mirror the index")
	}
}

func TestListRecords_StarSelectsNonDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.seedCorpus(t)

	res, err := f.engine.ListRecords(ctx, ListRequest{Format: "adn", RawQuery: "*"})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if res.Total != 1 || res.Items[0].ID != "LIVE" {
		t.Errorf("'*' must select all non-deleted records, got %v", ids(res.Items))
	}
}

func TestListRecords_SetFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.seedCorpus(t)

	res, err := f.engine.ListRecords(ctx, ListRequest{Format: "adn", Set: "abc"})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if res.Total != 2 {
		t.Errorf("set abc must match its directory records, got %v", ids(res.Items))
	}

	// the disabled set's membership query matches only subtracted records
	_, err = f.engine.ListRecords(ctx, ListRequest{Format: "adn", Set: "off"})
	if oaiCode(t, err) != domain.OAINoRecordsMatch {
		t.Errorf("disabled set must yield noRecordsMatch, got %v", err)
	}

	_, err = f.engine.ListRecords(ctx, ListRequest{Format: "adn", Set: "unknown"})
	if oaiCode(t, err) != domain.OAINoRecordsMatch {
		t.Errorf("unknown set must yield noRecordsMatch, got %v", err)
	}
}

func TestListRecords_FormatErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.seedCorpus(t)

	_, err := f.engine.ListRecords(ctx, ListRequest{})
	if oaiCode(t, err) != domain.OAIBadArgument {
		t.Errorf("missing format must be badArgument, got %v", err)
	}

	_, err = f.engine.ListRecords(ctx, ListRequest{Format: "marcxml"})
	if oaiCode(t, err) != domain.OAICannotDisseminateFormat {
		t.Errorf("unreachable format must be cannotDisseminateFormat, got %v", err)
	}

	// oai_dc is reachable from adn through the conversion closure
	if _, err := f.engine.ListRecords(ctx, ListRequest{Format: "oai_dc"}); err != nil {
		t.Errorf("convertible format must work: %v", err)
	}
}

func TestListRecords_DateRange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.seedCorpus(t)

	// granularity mismatch is rejected before query construction
	_, err := f.engine.ListRecords(ctx, ListRequest{
		Format: "adn", From: "2024-05-01", Until: "2024-05-02T00:00:00Z",
	})
	if oaiCode(t, err) != domain.OAIBadArgument {
		t.Errorf("granularity mismatch must be badArgument, got %v", err)
	}

	_, err = f.engine.ListRecords(ctx, ListRequest{Format: "adn", From: "05/01/2024"})
	if oaiCode(t, err) != domain.OAIBadArgument {
		t.Errorf("malformed datestamp must be badArgument, got %v", err)
	}

	// from == until is nudged so the day still matches
	res, err := f.engine.ListRecords(ctx, ListRequest{
		Format: "oai_dc", From: "2024-05-02", Until: "2024-05-02",
	})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if res.Total != 1 || res.Items[0].ID != "LIVE" {
		t.Errorf("equal bounds must still match the day, got %v", ids(res.Items))
	}

	// a future window matches nothing
	_, err = f.engine.ListRecords(ctx, ListRequest{Format: "adn", From: "2030-01-01"})
	if oaiCode(t, err) != domain.OAINoRecordsMatch {
		t.Errorf("empty window must be noRecordsMatch, got %v", err)
	}
}

func TestListRecords_AdminFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.seedCorpus(t)

	if err := f.admin.Set(ctx, admin.KeyOAIFilterQuery, "id:LIVE"); err != nil {
		t.Fatal(err)
	}
	res, err := f.engine.ListRecords(ctx, ListRequest{Format: "adn"})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	for _, it := range res.Items {
		if it.ID == "LIVE" {
			t.Error("filtered record must be subtracted from the corpus")
		}
	}
}

func TestListRecords_PredicateRefreshOnConfigChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.seedCorpus(t)

	if _, err := f.engine.ListRecords(ctx, ListRequest{Format: "adn"}); err != nil {
		t.Fatalf("ListRecords: %v", err)
	}

	if err := f.sets.SetEnabled(ctx, "abc", false); err != nil {
		t.Fatal(err)
	}
	_, err := f.engine.ListRecords(ctx, ListRequest{Format: "adn"})
	if oaiCode(t, err) != domain.OAINoRecordsMatch {
		t.Errorf("disabling the last set must empty the corpus, got %v", err)
	}
}

func TestListRecords_TitleBoostOrdering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.add(t, seed{id: "PLAIN", dir: "/data/abc", day: 1, text: "ocean current charts"})
	f.add(t, seed{id: "TITLED", dir: "/data/abc", day: 2, title: "Ocean Atlas", text: "maps of the ocean"})

	// a zero factor disables the clause, so equal scores fall back to
	// the key tie-break
	if err := f.admin.Set(ctx, admin.KeyTitleBoostFactor, "0"); err != nil {
		t.Fatal(err)
	}
	res, err := f.engine.ListRecords(ctx, ListRequest{Format: "adn", RawQuery: "ocean"})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if res.Total != 2 || res.Items[0].ID != "PLAIN" {
		t.Fatalf("order without title boost: %v", ids(res.Items))
	}

	if err := f.admin.Set(ctx, admin.KeyTitleBoostFactor, "8"); err != nil {
		t.Fatal(err)
	}
	res, err = f.engine.ListRecords(ctx, ListRequest{Format: "adn", RawQuery: "ocean"})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if res.Items[0].ID != "TITLED" {
		t.Errorf("title match must rank first under the boost, got %v", ids(res.Items))
	}
}

func TestListRecords_MultiRecordBoostOrdering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.add(t, seed{id: "A-SINGLE", dir: "/data/abc", day: 1})
	f.add(t, seed{id: "B-MULTI", dir: "/data/abc", day: 2, multi: true})

	if err := f.admin.Set(ctx, admin.KeyMultiDocBoostFactor, "4"); err != nil {
		t.Fatal(err)
	}
	res, err := f.engine.ListRecords(ctx, ListRequest{Format: "adn", RawQuery: "*"})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if res.Total != 2 || res.Items[0].ID != "B-MULTI" {
		t.Errorf("record with related documents must rank first, got %v", ids(res.Items))
	}
}

func TestGetRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.seedCorpus(t)

	item, err := f.engine.GetRecord(ctx, "LIVE", "oai_dc")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if item.ID != "LIVE" || item.SetSpec != "abc" || item.Format != "adn" || item.XML == "" {
		t.Errorf("unexpected item: %+v", item)
	}

	_, err = f.engine.GetRecord(ctx, "missing", "adn")
	if oaiCode(t, err) != domain.OAIIDDoesNotExist {
		t.Errorf("missing id must be idDoesNotExist, got %v", err)
	}

	_, err = f.engine.GetRecord(ctx, "LIVE", "marcxml")
	if oaiCode(t, err) != domain.OAICannotDisseminateFormat {
		t.Errorf("unconvertible format must be cannotDisseminateFormat, got %v", err)
	}
}

func TestIdentify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.seedCorpus(t)

	if err := f.admin.SetAll(ctx, map[string]string{
		admin.KeyRepositoryName:       "Example Library",
		admin.KeyRepositoryIdentifier: "example.org",
		admin.KeyAdminEmails:          "admin@example.org",
	}); err != nil {
		t.Fatal(err)
	}

	ident, err := f.engine.Identify(ctx)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if ident.RepositoryName != "Example Library" || ident.RepositoryID != "example.org" {
		t.Errorf("identity = %+v", ident)
	}
	if ident.DeletedRecord != DeletedPolicyTransient {
		t.Errorf("tombstoning repository must advertise transient, got %q", ident.DeletedRecord)
	}
	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if !ident.EarliestDatestamp.Equal(want) {
		t.Errorf("EarliestDatestamp = %v", ident.EarliestDatestamp)
	}

	if p := newFixture(t, true).engine.DeletedRecordPolicy(); p != DeletedPolicyNo {
		t.Errorf("file-removing repository must advertise no, got %q", p)
	}
}

func TestListSetsAndFormats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.seedCorpus(t)

	views := f.engine.ListSets(ctx)
	if len(views) != 1 || views[0].SetSpec != "abc" {
		t.Errorf("only enabled sets are advertised, got %+v", views)
	}

	if err := f.admin.SetAll(ctx, map[string]string{
		"ns.oai_dc":     "http://www.openarchives.org/OAI/2.0/oai_dc/",
		"schema.oai_dc": "http://www.openarchives.org/OAI/2.0/oai_dc.xsd",
	}); err != nil {
		t.Fatal(err)
	}

	formats, err := f.engine.ListFormats(ctx, "")
	if err != nil {
		t.Fatalf("ListFormats: %v", err)
	}
	if len(formats) != 2 || formats[0].Prefix != "adn" || formats[1].Prefix != "oai_dc" {
		t.Errorf("ListFormats = %+v", formats)
	}
	if formats[1].Namespace == "" || formats[1].Schema == "" {
		t.Error("registered namespace and schema must be returned")
	}

	formats, err = f.engine.ListFormats(ctx, "LIVE")
	if err != nil {
		t.Fatalf("ListFormats(LIVE): %v", err)
	}
	if len(formats) != 2 {
		t.Errorf("record formats = %+v", formats)
	}

	if _, err := f.engine.ListFormats(ctx, "missing"); oaiCode(t, err) != domain.OAIIDDoesNotExist {
		t.Error("unknown id must be idDoesNotExist")
	}
}

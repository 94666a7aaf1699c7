package chi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dlmeta/metarepo/internal/domain/set"
	"github.com/dlmeta/metarepo/internal/index"
	"github.com/dlmeta/metarepo/internal/index/memory"
	"github.com/dlmeta/metarepo/internal/repository/admin"
	"github.com/dlmeta/metarepo/internal/repository/sets"
	"github.com/dlmeta/metarepo/internal/usecase/collections"
	"github.com/dlmeta/metarepo/internal/usecase/convert"
	"github.com/dlmeta/metarepo/internal/usecase/counters"
	"github.com/dlmeta/metarepo/internal/usecase/mapper"
	"github.com/dlmeta/metarepo/internal/usecase/oai"
	"github.com/dlmeta/metarepo/internal/usecase/records"
)

type fixture struct {
	router   *chi.Mux
	store    *memory.Store
	sets     *sets.Repo
	settings *admin.Repo
	records  *records.Manager
	dataDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	store := memory.NewStore()
	setRepo := sets.New(store, "metarepo:")
	adminRepo := admin.New(store, "metarepo:")
	rules := mapper.New(store)
	conv := convert.New(map[string][]string{"adn": {"oai_dc"}})
	mgr := records.NewManager(zap.NewNop(), store, setRepo, records.NewRegistry(), false)
	colls := collections.New(zap.NewNop(), setRepo, mgr,
		filepath.Join(root, "collect"), filepath.Join(root, "records"))
	counts := counters.New(store, setRepo)
	engine := oai.NewEngine(store, setRepo, rules, conv, adminRepo, false)

	f := &fixture{
		store:    store,
		sets:     setRepo,
		settings: adminRepo,
		records:  mgr,
		dataDir:  root,
	}

	ctx := context.Background()
	d, err := set.NewDirInfo(filepath.Join(root, "records", "adn", "abc"), "adn")
	if err != nil {
		t.Fatal(err)
	}
	si, err := set.New("abc", "ABC Collection", "test records", true, d)
	if err != nil {
		t.Fatal(err)
	}
	if err := setRepo.Add(ctx, si); err != nil {
		t.Fatal(err)
	}
	if err := adminRepo.Set(ctx, admin.KeyRepositoryName, "Test Repository"); err != nil {
		t.Fatal(err)
	}
	if err := adminRepo.Set(ctx, admin.KeyRepositoryIdentifier, "example.org"); err != nil {
		t.Fatal(err)
	}

	srv := NewServer(engine, mgr, colls, setRepo, adminRepo, counts, store, zap.NewNop())
	f.router = chi.NewRouter()
	srv.Routes(f.router)
	return f
}

func (f *fixture) putRecord(t *testing.T, id string) {
	t.Helper()
	xmlData := fmt.Sprintf(
		"<itemRecord id=%q><accessionStatus>accessioned-discoverable</accessionStatus><title>record %s</title></itemRecord>",
		id, id)
	if _, err := f.records.PutRecord(context.Background(), xmlData, "adn", "abc", "", nil, true); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func TestPutRecordEndpoint(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, "PUT", "/records", putRecordRequest{
		RecordXML:  `<itemRecord id="abc-1"><title>hi</title></itemRecord>`,
		XMLFormat:  "adn",
		Collection: "abc",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}
	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["id"] != "abc-1" {
		t.Errorf("id = %q", resp["id"])
	}
	if n, _ := f.store.Count(context.Background(), index.Term(index.FieldID, "abc-1")); n != 1 {
		t.Errorf("record not indexed, count = %d", n)
	}
}

func TestPutRecordEndpoint_Validation(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, "PUT", "/records", putRecordRequest{RecordXML: "<r/>"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing fields must be 400, got %d", rr.Code)
	}

	rr = f.do(t, "PUT", "/records", putRecordRequest{
		RecordXML: "<r/>", XMLFormat: "adn", Collection: "nope",
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown set must be 400, got %d", rr.Code)
	}
	var resp errorResponse
	decodeJSON(t, rr, &resp)
	if resp.Code != codeBadRequest {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestDeleteRecordEndpoint(t *testing.T) {
	f := newFixture(t)
	f.putRecord(t, "abc-1")

	rr := f.do(t, "DELETE", "/records/abc-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}

	rr = f.do(t, "DELETE", "/records/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("absent record must be 404, got %d", rr.Code)
	}
}

func TestReindexRecordEndpoint(t *testing.T) {
	f := newFixture(t)
	f.putRecord(t, "abc-1")

	rr := f.do(t, "POST", "/records/abc-1/reindex", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}

	rr = f.do(t, "POST", "/records/missing/reindex", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown record must be 400, got %d", rr.Code)
	}
}

func TestCollectionEndpoints(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, "PUT", "/collections", putCollectionRequest{
		Key: "dcc", XMLFormat: "adn", Title: "DCC",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("put collection: %d %s", rr.Code, rr.Body)
	}
	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["recordId"] != "collect-dcc" {
		t.Errorf("recordId = %q", resp["recordId"])
	}

	rr = f.do(t, "GET", "/collections", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list collections: %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"setSpec":"dcc"`) {
		t.Errorf("listing misses dcc: %s", rr.Body)
	}

	rr = f.do(t, "DELETE", "/collections/dcc", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete collection: %d %s", rr.Code, rr.Body)
	}
}

func TestCollectionEndpoints_Errors(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, "PUT", "/collections", putCollectionRequest{
		Key: "bad key", XMLFormat: "adn", Title: "T",
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad key must be 400, got %d", rr.Code)
	}
	var resp errorResponse
	decodeJSON(t, rr, &resp)
	if resp.Code != "BAD_KEY" {
		t.Errorf("code = %q", resp.Code)
	}

	if rr := f.do(t, "PUT", "/collections", putCollectionRequest{
		Key: "dcc", XMLFormat: "adn", Title: "T",
	}); rr.Code != http.StatusOK {
		t.Fatalf("seed: %d", rr.Code)
	}
	rr = f.do(t, "PUT", "/collections", putCollectionRequest{
		Key: "dcc", XMLFormat: "oai_dc", Title: "T",
	})
	if rr.Code != http.StatusConflict {
		t.Errorf("format change must be 409, got %d", rr.Code)
	}

	rr = f.do(t, "DELETE", "/collections/collect", nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("protected set must be 403, got %d", rr.Code)
	}
	rr = f.do(t, "DELETE", "/collections/nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown collection must be 404, got %d", rr.Code)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, "PUT", "/admin/settings", map[string]string{
		admin.KeyRepositoryName: "Renamed",
		admin.KeyGranularity:    "days",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("put settings: %d %s", rr.Code, rr.Body)
	}

	rr = f.do(t, "GET", "/admin/settings", nil)
	var all map[string]string
	decodeJSON(t, rr, &all)
	if all[admin.KeyRepositoryName] != "Renamed" || all[admin.KeyGranularity] != "days" {
		t.Errorf("settings = %v", all)
	}

	rr = f.do(t, "PUT", "/admin/settings", map[string]string{admin.KeyGranularity: "hours"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid granularity must be 400, got %d", rr.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, "GET", "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("healthz = %d", rr.Code)
	}
}

package counters

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dlmeta/metarepo/internal/domain/record"
	"github.com/dlmeta/metarepo/internal/domain/set"
	"github.com/dlmeta/metarepo/internal/index"
	"github.com/dlmeta/metarepo/internal/index/memory"
	"github.com/dlmeta/metarepo/internal/repository/sets"
)

func addDoc(t *testing.T, store *memory.Store, id, spec, doctype, deleted, status string) {
	t.Helper()
	err := store.Add(context.Background(), index.Document{
		Key: id,
		Fields: map[string][]string{
			index.FieldID:         {id},
			index.FieldCollection: {spec},
			index.FieldDocType:    {doctype},
			index.FieldDeleted:    {deleted},
			index.FieldStatus:     {status},
		},
		Datestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func newFixture(t *testing.T) (*Service, *memory.Store, *sets.Repo, string) {
	t.Helper()
	dir := t.TempDir()
	store := memory.NewStore()
	repo := sets.New(store, "metarepo:")

	d, err := set.NewDirInfo(dir, "adn")
	if err != nil {
		t.Fatal(err)
	}
	si, err := set.New("dcc", "DCC", "", true, d)
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.Add(context.Background(), si); err != nil {
		t.Fatal(err)
	}
	return New(store, repo), store, repo, dir
}

func TestTotals(t *testing.T) {
	svc, store, _, dir := newFixture(t)
	ctx := context.Background()

	addDoc(t, store, "r1", "dcc", record.DocTypeRecord, "false", record.StatusAccessionedDiscoverable)
	addDoc(t, store, "r2", "dcc", record.DocTypeRecord, "false", record.StatusAccessioned)
	addDoc(t, store, "r3", "dcc", record.DocTypeRecord, "true", record.StatusAccessionedDiscoverable)
	addDoc(t, store, "e1", "dcc", record.DocTypeErrorDoc, "false", "")

	for _, name := range []string{"r1.xml", "r2.xml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("<r/>"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := svc.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	want := Totals{NumRecords: 2, NumDeleted: 1, NumErrors: 1, NumDiscoverable: 1}
	if got != want {
		t.Errorf("Totals = %+v, want %+v", got, want)
	}

	bySet, err := svc.BySet(ctx)
	if err != nil {
		t.Fatalf("BySet: %v", err)
	}
	c := bySet["dcc"]
	if c.NumIndexed != 2 || c.NumDeleted != 1 || c.NumErrors != 1 || c.NumFiles != 2 {
		t.Errorf("SetCounts = %+v", c)
	}
}

func TestTotals_RecomputesOnIndexChange(t *testing.T) {
	svc, store, _, _ := newFixture(t)
	ctx := context.Background()

	addDoc(t, store, "r1", "dcc", record.DocTypeRecord, "false", record.StatusAccessioned)
	got, err := svc.Totals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.NumRecords != 1 {
		t.Fatalf("NumRecords = %d", got.NumRecords)
	}

	// an unchanged index serves the cached counts
	got, err = svc.Totals(ctx)
	if err != nil || got.NumRecords != 1 {
		t.Fatalf("cached read = %+v, %v", got, err)
	}

	addDoc(t, store, "r2", "dcc", record.DocTypeRecord, "false", record.StatusAccessioned)
	got, err = svc.Totals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.NumRecords != 2 {
		t.Errorf("counts must follow the index mod counter, NumRecords = %d", got.NumRecords)
	}
}

func TestTotals_RecomputesOnSetChange(t *testing.T) {
	svc, store, repo, _ := newFixture(t)
	ctx := context.Background()

	addDoc(t, store, "r1", "dcc", record.DocTypeRecord, "false", record.StatusAccessioned)
	if _, err := svc.BySet(ctx); err != nil {
		t.Fatal(err)
	}

	if err := repo.SetEnabled(ctx, "dcc", false); err != nil {
		t.Fatal(err)
	}
	svc.Refresh()
	bySet, err := svc.BySet(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := bySet["dcc"]; !ok {
		t.Error("disabled sets still carry counts")
	}
}

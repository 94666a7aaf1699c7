package records

import (
	"strings"
	"testing"

	"github.com/dlmeta/metarepo/internal/domain/record"
)

func TestGenericWriter(t *testing.T) {
	const xmlDoc = `<?xml version="1.0"?>
<itemRecord>
  <id>DLESE-000-001</id>
  <accessionStatus>accessioned-discoverable</accessionStatus>
  <title>Ocean circulation patterns</title>
  <url>http://example.org/oceans</url>
  <relation idRef="DLESE-000-002"/>
  <relation urlRef="http://example.org/related"/>
</itemRecord>`

	rec, err := GenericWriter{}.Parse([]byte(xmlDoc), "dcc", "adn")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.ID != "DLESE-000-001" {
		t.Errorf("ID = %q", rec.ID)
	}
	if rec.SetSpec != "dcc" || rec.Format != "adn" {
		t.Errorf("set/format = %q/%q", rec.SetSpec, rec.Format)
	}
	if rec.Status != record.StatusAccessionedDiscoverable {
		t.Errorf("Status = %q", rec.Status)
	}
	if rec.Title != "Ocean circulation patterns" {
		t.Errorf("Title = %q", rec.Title)
	}
	if len(rec.URLs) != 1 || rec.URLs[0] != "http://example.org/oceans" {
		t.Errorf("URLs = %v", rec.URLs)
	}
	if len(rec.AssignedRelIDs) != 1 || rec.AssignedRelIDs[0] != "DLESE-000-002" {
		t.Errorf("AssignedRelIDs = %v", rec.AssignedRelIDs)
	}
	if len(rec.RelatedURLs) != 1 || rec.RelatedURLs[0] != "http://example.org/related" {
		t.Errorf("RelatedURLs = %v", rec.RelatedURLs)
	}
	if !strings.Contains(rec.FullText, "Ocean circulation patterns") {
		t.Errorf("FullText = %q", rec.FullText)
	}
	if rec.XML != xmlDoc {
		t.Error("XML must hold the raw input")
	}
}

func TestGenericWriter_IDFromRootAttribute(t *testing.T) {
	rec, err := GenericWriter{}.Parse([]byte(`<record id="ATTR-1"><title>t</title></record>`), "dcc", "adn")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.ID != "ATTR-1" {
		t.Errorf("ID = %q", rec.ID)
	}
}

func TestGenericWriter_Errors(t *testing.T) {
	if _, err := (GenericWriter{}).Parse([]byte("<broken"), "dcc", "adn"); err == nil {
		t.Error("malformed xml must fail")
	}
	if _, err := (GenericWriter{}).Parse([]byte("   "), "dcc", "adn"); err == nil {
		t.Error("empty document must fail")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.For("adn").(GenericWriter); !ok {
		t.Error("unknown format must fall back to the generic writer")
	}

	custom := writerFunc(func(data []byte, setSpec, format string) (*record.Record, error) {
		return &record.Record{ID: "fixed", SetSpec: setSpec, Format: format, XML: string(data)}, nil
	})
	r.Register("news_opps", custom)
	rec, err := r.For("news_opps").Parse([]byte("<x/>"), "s", "news_opps")
	if err != nil || rec.ID != "fixed" {
		t.Errorf("registered writer must be dispatched, rec=%+v err=%v", rec, err)
	}
}

type writerFunc func(data []byte, setSpec, format string) (*record.Record, error)

func (f writerFunc) Parse(data []byte, setSpec, format string) (*record.Record, error) {
	return f(data, setSpec, format)
}

package rule

import (
	"strings"
	"testing"
)

const sampleDoc = `<?xml version="1.0" encoding="UTF-8"?>
<ListSets>
  <set>
    <setSpec>ocean</setSpec>
    <setName>Ocean Sciences</setName>
    <setDescription><description>Records about oceans</description></setDescription>
    <include>
      <term>ocean</term>
      <phrase>sea surface temperature</phrase>
      <format>adn</format>
      <directory>/data/adn/dcc</directory>
      <query>collection:dcc</query>
    </include>
    <exclude>
      <term>atmosphere</term>
    </exclude>
  </set>
  <set>
    <setSpec>everything-else</setSpec>
    <setName>Everything Else</setName>
    <exclude>
      <directory>/data/private</directory>
    </exclude>
  </set>
</ListSets>`

func TestParse(t *testing.T) {
	rs, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rs.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rs.Rules))
	}

	r, ok := rs.ByKey("ocean")
	if !ok {
		t.Fatal("rule 'ocean' not found")
	}
	if r.Name != "Ocean Sciences" || r.Description != "Records about oceans" {
		t.Errorf("unexpected name/description: %q / %q", r.Name, r.Description)
	}
	if len(r.Includes) != 5 {
		t.Fatalf("expected 5 include clauses, got %d", len(r.Includes))
	}
	wantKinds := []ClauseKind{KindTerm, KindPhrase, KindFormat, KindDirectory, KindQuery}
	for i, k := range wantKinds {
		if r.Includes[i].Kind != k {
			t.Errorf("include[%d]: expected kind %v, got %v", i, k, r.Includes[i].Kind)
		}
	}
	if len(r.Excludes) != 1 || r.Excludes[0].Value != "atmosphere" {
		t.Errorf("unexpected excludes: %+v", r.Excludes)
	}
	if r.CatchAll() {
		t.Error("rule with includes must not be catch-all")
	}
}

func TestParse_ExcludeOnlyIsCatchAll(t *testing.T) {
	rs, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r, ok := rs.ByKey("everything-else")
	if !ok {
		t.Fatal("rule 'everything-else' not found")
	}
	if !r.CatchAll() {
		t.Error("rule without includes must be catch-all")
	}
	if len(r.Excludes) != 1 {
		t.Errorf("expected 1 exclude, got %d", len(r.Excludes))
	}
}

func TestParse_Rejections(t *testing.T) {
	if _, err := Parse([]byte(`<ListSets><set><setName>no spec</setName></set></ListSets>`)); err == nil {
		t.Error("expected error for missing setSpec")
	}
	dup := `<ListSets><set><setSpec>a</setSpec></set><set><setSpec>a</setSpec></set></ListSets>`
	if _, err := Parse([]byte(dup)); err == nil {
		t.Error("expected error for duplicate setSpec")
	}
	if _, err := Parse([]byte(`not xml`)); err == nil {
		t.Error("expected error for malformed document")
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	rs, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	out, err := Marshal(rs)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(out), "<setSpec>ocean</setSpec>") {
		t.Error("marshaled document is missing setSpec")
	}

	back, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse(Marshal(rs)): %v", err)
	}
	if len(back.Rules) != len(rs.Rules) {
		t.Fatalf("round trip lost rules: %d != %d", len(back.Rules), len(rs.Rules))
	}
	r, _ := back.ByKey("ocean")
	if len(r.Includes) != 5 || len(r.Excludes) != 1 {
		t.Errorf("round trip lost clauses: %+v", r)
	}
}

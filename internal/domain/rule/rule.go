// Package rule defines the declarative OAI set-definition rules and their
// XML document codec. Rules are pure data: the document is parsed wholesale
// into a Ruleset and rewritten wholesale on change, never patched.
package rule

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// ClauseKind enumerates the shapes an include/exclude clause can take.
type ClauseKind int

const (
	// KindTerm matches a single full-text term.
	KindTerm ClauseKind = iota
	// KindPhrase matches a full-text phrase.
	KindPhrase
	// KindFormat matches records of an xml format.
	KindFormat
	// KindDirectory matches records sourced from a directory.
	KindDirectory
	// KindQuery is a free-form sub-query in the index query syntax.
	KindQuery
)

// Clause is one include or exclude condition of a set rule.
type Clause struct {
	Kind  ClauseKind
	Value string
}

// Rule is the declarative definition of one OAI set. Includes are OR-ed;
// excludes are AND-NOT-ed. A rule with no includes matches all records.
type Rule struct {
	SetSpec     string
	Name        string
	Description string
	Includes    []Clause
	Excludes    []Clause
}

// CatchAll reports whether the rule has no include clauses.
func (r Rule) CatchAll() bool { return len(r.Includes) == 0 }

// Ruleset is the full parsed set-definition document, ordered as written.
type Ruleset struct {
	Rules []Rule
}

// ByKey returns the rule for setSpec, or false.
func (rs Ruleset) ByKey(setSpec string) (Rule, bool) {
	for _, r := range rs.Rules {
		if r.SetSpec == setSpec {
			return r, true
		}
	}
	return Rule{}, false
}

// --- XML codec ---

type xmlListSets struct {
	XMLName xml.Name `xml:"ListSets"`
	Sets    []xmlSet `xml:"set"`
}

type xmlSet struct {
	SetSpec     string      `xml:"setSpec"`
	SetName     string      `xml:"setName"`
	Description string      `xml:"setDescription>description"`
	Include     *xmlClauses `xml:"include"`
	Exclude     *xmlClauses `xml:"exclude"`
}

type xmlClauses struct {
	Terms       []string `xml:"term"`
	Phrases     []string `xml:"phrase"`
	Formats     []string `xml:"format"`
	Directories []string `xml:"directory"`
	Queries     []string `xml:"query"`
}

// Parse decodes a set-definition XML document into a Ruleset. Every set
// must carry a non-empty setSpec; duplicate setSpecs are rejected.
func Parse(data []byte) (Ruleset, error) {
	var doc xmlListSets
	if err := xml.Unmarshal(data, &doc); err != nil {
		return Ruleset{}, fmt.Errorf("parse set definitions: %w", err)
	}

	seen := make(map[string]bool, len(doc.Sets))
	rs := Ruleset{Rules: make([]Rule, 0, len(doc.Sets))}
	for _, s := range doc.Sets {
		spec := strings.TrimSpace(s.SetSpec)
		if spec == "" {
			return Ruleset{}, fmt.Errorf("set definition without a setSpec")
		}
		if seen[spec] {
			return Ruleset{}, fmt.Errorf("duplicate set definition for setSpec %q", spec)
		}
		seen[spec] = true

		rs.Rules = append(rs.Rules, Rule{
			SetSpec:     spec,
			Name:        strings.TrimSpace(s.SetName),
			Description: strings.TrimSpace(s.Description),
			Includes:    clauses(s.Include),
			Excludes:    clauses(s.Exclude),
		})
	}
	return rs, nil
}

// Marshal encodes a Ruleset back into the set-definition document form.
func Marshal(rs Ruleset) ([]byte, error) {
	doc := xmlListSets{Sets: make([]xmlSet, 0, len(rs.Rules))}
	for _, r := range rs.Rules {
		doc.Sets = append(doc.Sets, xmlSet{
			SetSpec:     r.SetSpec,
			SetName:     r.Name,
			Description: r.Description,
			Include:     clausesXML(r.Includes),
			Exclude:     clausesXML(r.Excludes),
		})
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal set definitions: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

func clauses(x *xmlClauses) []Clause {
	if x == nil {
		return nil
	}
	var out []Clause
	add := func(kind ClauseKind, vals []string) {
		for _, v := range vals {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, Clause{Kind: kind, Value: v})
			}
		}
	}
	add(KindTerm, x.Terms)
	add(KindPhrase, x.Phrases)
	add(KindFormat, x.Formats)
	add(KindDirectory, x.Directories)
	add(KindQuery, x.Queries)
	return out
}

func clausesXML(cs []Clause) *xmlClauses {
	if len(cs) == 0 {
		return nil
	}
	x := &xmlClauses{}
	for _, c := range cs {
		switch c.Kind {
		case KindTerm:
			x.Terms = append(x.Terms, c.Value)
		case KindPhrase:
			x.Phrases = append(x.Phrases, c.Value)
		case KindFormat:
			x.Formats = append(x.Formats, c.Value)
		case KindDirectory:
			x.Directories = append(x.Directories, c.Value)
		case KindQuery:
			x.Queries = append(x.Queries, c.Value)
		}
	}
	return x
}

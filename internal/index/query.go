package index

import (
	"fmt"
	"strings"
)

type queryKind int

const (
	kindMatchAll queryKind = iota
	kindTerm
	kindPhrase
	kindBool
)

// Query is an immutable boolean query tree evaluable by any DocIndex
// driver. Leaves are term or phrase matches against a single field;
// boolean nodes combine children with must/should/mustNot semantics.
//
// Matching follows the usual boolean-query rule: every must child must
// match, no mustNot child may match, and when a node has should children
// but no must children at least one should child must match (with must
// children present, should children only contribute score).
type Query struct {
	kind    queryKind
	field   string
	text    string
	boost   float64 // 0 means 1.0
	must    []*Query
	should  []*Query
	mustNot []*Query
}

// MatchAll returns a query matching every document.
func MatchAll() *Query { return &Query{kind: kindMatchAll} }

// Term returns an exact term match on a field. On the full-text default
// field the match is against individual tokens, case-insensitively.
func Term(field, value string) *Query {
	return &Query{kind: kindTerm, field: field, text: value}
}

// Phrase returns a phrase match on a full-text field.
func Phrase(field, phrase string) *Query {
	return &Query{kind: kindPhrase, field: field, text: phrase}
}

// Bool returns an empty boolean node; populate it with Must/Should/MustNot.
func Bool() *Query { return &Query{kind: kindBool} }

// Must adds required children and returns the receiver.
func (q *Query) Must(children ...*Query) *Query {
	q.must = append(q.must, nonNil(children)...)
	return q
}

// Should adds optional (OR) children and returns the receiver.
func (q *Query) Should(children ...*Query) *Query {
	q.should = append(q.should, nonNil(children)...)
	return q
}

// MustNot adds prohibited children and returns the receiver.
func (q *Query) MustNot(children ...*Query) *Query {
	q.mustNot = append(q.mustNot, nonNil(children)...)
	return q
}

// WithBoost sets the scoring boost of this node and returns the receiver.
func (q *Query) WithBoost(boost float64) *Query {
	q.boost = boost
	return q
}

// Boost returns the effective boost factor.
func (q *Query) Boost() float64 {
	if q.boost <= 0 {
		return 1.0
	}
	return q.boost
}

// IsEmpty reports whether a boolean node has no children.
func (q *Query) IsEmpty() bool {
	return q.kind == kindBool && len(q.must) == 0 && len(q.should) == 0 && len(q.mustNot) == 0
}

func nonNil(qs []*Query) []*Query {
	out := qs[:0]
	for _, q := range qs {
		if q != nil {
			out = append(out, q)
		}
	}
	return out
}

// And returns a boolean query requiring all given queries. Nil entries are
// skipped; a single surviving query is returned unwrapped.
func And(qs ...*Query) *Query {
	filtered := make([]*Query, 0, len(qs))
	for _, q := range qs {
		if q != nil {
			filtered = append(filtered, q)
		}
	}
	switch len(filtered) {
	case 0:
		return MatchAll()
	case 1:
		return filtered[0]
	default:
		return Bool().Must(filtered...)
	}
}

// Or returns a boolean query matching any of the given queries.
func Or(qs ...*Query) *Query {
	filtered := make([]*Query, 0, len(qs))
	for _, q := range qs {
		if q != nil {
			filtered = append(filtered, q)
		}
	}
	switch len(filtered) {
	case 0:
		return MatchAll()
	case 1:
		return filtered[0]
	default:
		return Bool().Should(filtered...)
	}
}

// --- structural evaluation (memory driver, rule membership checks) ---

// Matches evaluates the query against a document.
func (q *Query) Matches(doc Document) bool {
	switch q.kind {
	case kindMatchAll:
		return true
	case kindTerm:
		return matchTerm(doc, q.field, q.text)
	case kindPhrase:
		return matchPhrase(doc, q.field, q.text)
	case kindBool:
		if q.IsEmpty() {
			return true
		}
		for _, c := range q.mustNot {
			if c.Matches(doc) {
				return false
			}
		}
		for _, c := range q.must {
			if !c.Matches(doc) {
				return false
			}
		}
		if len(q.should) > 0 && len(q.must) == 0 {
			for _, c := range q.should {
				if c.Matches(doc) {
					return true
				}
			}
			return false
		}
		return true
	}
	return false
}

// Score returns the boost-weighted score of a matching document; zero for
// a non-matching one.
func (q *Query) Score(doc Document) float64 {
	if !q.Matches(doc) {
		return 0
	}
	switch q.kind {
	case kindBool:
		var s float64
		for _, c := range q.must {
			s += c.Score(doc)
		}
		for _, c := range q.should {
			s += c.Score(doc)
		}
		if s == 0 {
			s = 1
		}
		return s * q.Boost()
	default:
		return q.Boost()
	}
}

func matchTerm(doc Document, field, value string) bool {
	if field == FieldDefault {
		want := strings.ToLower(value)
		for _, v := range doc.Fields[FieldDefault] {
			for _, tok := range strings.Fields(strings.ToLower(v)) {
				if strings.Trim(tok, ".,;:!?()[]\"'") == want {
					return true
				}
			}
		}
		return false
	}
	return doc.Has(field, value)
}

func matchPhrase(doc Document, field, phrase string) bool {
	want := strings.ToLower(phrase)
	for _, v := range doc.Fields[field] {
		if strings.Contains(strings.ToLower(v), want) {
			return true
		}
	}
	return false
}

// --- RediSearch compilation ---

// String compiles the query to the RediSearch query syntax used by the
// redis driver: tag fields as @field:{value}, the default field as plain
// full-text, boolean nodes as space (AND), | (OR), - (NOT) and
// ~ (optional, score-only).
func (q *Query) String() string {
	switch q.kind {
	case kindMatchAll:
		return "*"
	case kindTerm:
		return boosted(compileTerm(q.field, q.text), q.boost)
	case kindPhrase:
		if q.field == FieldDefault {
			return boosted(fmt.Sprintf("%q", q.text), q.boost)
		}
		return boosted(fmt.Sprintf("@%s:%q", q.field, q.text), q.boost)
	case kindBool:
		if q.IsEmpty() {
			return "*"
		}
		var parts []string
		for _, c := range q.must {
			parts = append(parts, group(c))
		}
		if len(q.should) > 0 {
			if len(q.must) == 0 {
				ors := make([]string, 0, len(q.should))
				for _, c := range q.should {
					ors = append(ors, group(c))
				}
				parts = append(parts, "("+strings.Join(ors, "|")+")")
			} else {
				// with must children present, should children are
				// optional and only contribute score
				for _, c := range q.should {
					parts = append(parts, "~"+group(c))
				}
			}
		}
		for _, c := range q.mustNot {
			parts = append(parts, "-"+group(c))
		}
		return boosted(strings.Join(parts, " "), q.boost)
	}
	return "*"
}

func compileTerm(field, value string) string {
	if field == FieldDefault {
		return escapeToken(value)
	}
	return fmt.Sprintf("@%s:{%s}", field, escapeTag(value))
}

func group(q *Query) string {
	s := q.String()
	if q.kind == kindBool && !q.IsEmpty() {
		return "(" + s + ")"
	}
	return s
}

func boosted(expr string, boost float64) string {
	if boost <= 0 || boost == 1.0 {
		return expr
	}
	return fmt.Sprintf("(%s)=>{$weight:%g;}", expr, boost)
}

const tagSpecials = `,.<>{}[]"':;!@#$%^&*()-+=~| /\`

func escapeTag(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(tagSpecials, r) || r == ' ' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func escapeToken(s string) string {
	return escapeTag(s)
}

// Package mapper compiles declarative set-definition rules into index
// queries and answers set-membership questions.
package mapper

import (
	"context"
	"fmt"
	"sync"

	"github.com/dlmeta/metarepo/internal/domain/rule"
	"github.com/dlmeta/metarepo/internal/index"
)

// counter is the consumer interface for membership checks (ISP).
type counter interface {
	Count(ctx context.Context, q *index.Query) (int, error)
}

// Mapper holds the current rule table and one compiled query per set.
// Load replaces the whole table atomically; readers never see a
// partially reloaded state.
type Mapper struct {
	counter counter

	mu       sync.RWMutex
	rules    rule.Ruleset
	compiled map[string]*index.Query
}

// New creates a Mapper with an empty rule table.
func New(c counter) *Mapper {
	return &Mapper{counter: c, compiled: map[string]*index.Query{}}
}

// Load parses a set-definition document and replaces the rule table.
// A document with any uncompilable rule is rejected wholesale.
func (m *Mapper) Load(data []byte) error {
	rs, err := rule.Parse(data)
	if err != nil {
		return err
	}
	compiled := make(map[string]*index.Query, len(rs.Rules))
	for _, r := range rs.Rules {
		q, err := Compile(r)
		if err != nil {
			return fmt.Errorf("set %q: %w", r.SetSpec, err)
		}
		compiled[r.SetSpec] = q
	}

	m.mu.Lock()
	m.rules = rs
	m.compiled = compiled
	m.mu.Unlock()
	return nil
}

// Rules returns the current rule table.
func (m *Mapper) Rules() rule.Ruleset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rules
}

// QueryFor returns the compiled query of a set.
func (m *Mapper) QueryFor(setSpec string) (*index.Query, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.compiled[setSpec]
	return q, ok
}

// MemberSets returns the setSpecs whose rule matches the record with the
// given id, in rule-table order.
func (m *Mapper) MemberSets(ctx context.Context, id string) ([]string, error) {
	m.mu.RLock()
	rules := m.rules.Rules
	compiled := m.compiled
	m.mu.RUnlock()

	var specs []string
	for _, r := range rules {
		q := compiled[r.SetSpec]
		n, err := m.counter.Count(ctx, index.And(q, index.Term(index.FieldID, id)))
		if err != nil {
			return nil, fmt.Errorf("membership of %q in set %q: %w", id, r.SetSpec, err)
		}
		if n > 0 {
			specs = append(specs, r.SetSpec)
		}
	}
	return specs, nil
}

// Compile turns one rule into a query: include clauses OR-ed together,
// exclude clauses subtracted. A rule with no includes matches everything.
func Compile(r rule.Rule) (*index.Query, error) {
	includes := make([]*index.Query, 0, len(r.Includes))
	for _, c := range r.Includes {
		q, err := compileClause(c)
		if err != nil {
			return nil, err
		}
		includes = append(includes, q)
	}
	excludes := make([]*index.Query, 0, len(r.Excludes))
	for _, c := range r.Excludes {
		q, err := compileClause(c)
		if err != nil {
			return nil, err
		}
		excludes = append(excludes, q)
	}

	q := index.Or(includes...)
	if len(excludes) > 0 {
		q = index.Bool().Must(q).MustNot(excludes...)
	}
	return q, nil
}

func compileClause(c rule.Clause) (*index.Query, error) {
	switch c.Kind {
	case rule.KindTerm:
		return index.Term(index.FieldDefault, c.Value), nil
	case rule.KindPhrase:
		return index.Phrase(index.FieldDefault, c.Value), nil
	case rule.KindFormat:
		return index.Term(index.FieldFormat, c.Value), nil
	case rule.KindDirectory:
		return index.Term(index.FieldDocDir, c.Value), nil
	case rule.KindQuery:
		return index.Parse(c.Value)
	default:
		return nil, fmt.Errorf("unknown clause kind %d", c.Kind)
	}
}

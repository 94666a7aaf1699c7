package index

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Parse compiles the free-form query syntax into a Query tree. The syntax
// covers what rule sub-queries, ODL raw queries and the admin filter need:
//
//	term                  full-text term on the default field
//	"a phrase"            full-text phrase
//	field:value           exact term on a named field
//	field:"a phrase"      phrase on a named field
//	a AND b, a OR b       boolean combination (AND binds tighter)
//	NOT a, !a             negation
//	( ... )               grouping
//	expr^2.5              boost
//
// Adjacent clauses combine with implicit AND.
func Parse(input string) (*Query, error) {
	p := &parser{toks: lex(input)}
	q, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadQuery, err)
	}
	if !p.eof() {
		return nil, fmt.Errorf("%w: unexpected %q", ErrBadQuery, p.peek().text)
	}
	return q, nil
}

type tokKind int

const (
	tokWord tokKind = iota
	tokPhrase
	tokLParen
	tokRParen
	tokColon
	tokCaret
	tokBang
	tokEOF
)

type token struct {
	kind tokKind
	text string
}

func lex(input string) []token {
	var toks []token
	rs := []rune(input)
	i := 0
	for i < len(rs) {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case r == ':':
			toks = append(toks, token{tokColon, ":"})
			i++
		case r == '^':
			toks = append(toks, token{tokCaret, "^"})
			i++
		case r == '!':
			toks = append(toks, token{tokBang, "!"})
			i++
		case r == '"':
			j := i + 1
			for j < len(rs) && rs[j] != '"' {
				j++
			}
			toks = append(toks, token{tokPhrase, string(rs[i+1 : j])})
			if j < len(rs) {
				j++ // closing quote
			}
			i = j
		default:
			j := i
			for j < len(rs) && !unicode.IsSpace(rs[j]) && !strings.ContainsRune(`():^!"`, rs[j]) {
				j++
			}
			toks = append(toks, token{tokWord, string(rs[i:j])})
			i = j
		}
	}
	return append(toks, token{tokEOF, ""})
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token  { return p.toks[p.pos] }
func (p *parser) next() token  { t := p.toks[p.pos]; p.pos++; return t }
func (p *parser) eof() bool    { return p.peek().kind == tokEOF }
func (p *parser) isWord(s string) bool {
	t := p.peek()
	return t.kind == tokWord && strings.EqualFold(t.text, s)
}

func (p *parser) parseOr() (*Query, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	var alts []*Query
	for p.isWord("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if alts == nil {
			alts = []*Query{left}
		}
		alts = append(alts, right)
	}
	if alts == nil {
		return left, nil
	}
	return Bool().Should(alts...), nil
}

func (p *parser) parseAnd() (*Query, error) {
	var must, mustNot []*Query
	for {
		t := p.peek()
		if t.kind == tokEOF || t.kind == tokRParen || p.isWord("OR") {
			break
		}
		if p.isWord("AND") {
			p.next()
			continue
		}
		negated := false
		if t.kind == tokBang || p.isWord("NOT") {
			p.next()
			negated = true
		}
		q, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		if negated {
			mustNot = append(mustNot, q)
		} else {
			must = append(must, q)
		}
	}
	if len(must) == 0 && len(mustNot) == 0 {
		return nil, fmt.Errorf("empty clause")
	}
	if len(must) == 1 && len(mustNot) == 0 {
		return must[0], nil
	}
	return Bool().Must(must...).MustNot(mustNot...), nil
}

func (p *parser) parsePrimary() (*Query, error) {
	t := p.next()
	var q *Query
	switch t.kind {
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.next()
		q = inner
	case tokPhrase:
		q = Phrase(FieldDefault, t.text)
	case tokWord:
		if p.peek().kind == tokColon {
			p.next()
			val := p.next()
			switch val.kind {
			case tokPhrase:
				q = Phrase(t.text, val.text)
			case tokWord:
				q = Term(t.text, val.text)
			default:
				return nil, fmt.Errorf("expected value after %q:", t.text)
			}
		} else {
			q = Term(FieldDefault, t.text)
		}
	default:
		return nil, fmt.Errorf("unexpected %q", t.text)
	}

	if p.peek().kind == tokCaret {
		p.next()
		num := p.next()
		if num.kind != tokWord {
			return nil, fmt.Errorf("expected boost value after ^")
		}
		boost, err := strconv.ParseFloat(num.text, 64)
		if err != nil || boost < 0 {
			return nil, fmt.Errorf("invalid boost %q", num.text)
		}
		q = q.WithBoost(boost)
	}
	return q, nil
}

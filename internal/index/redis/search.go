package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/rueidis"

	"github.com/dlmeta/metarepo/internal/index"
)

const (
	defaultLimit = 500

	// multiSep joins multi-valued fields inside the document hash and is
	// also the TAG separator declared in the index schema.
	multiSep = "|"

	// fieldModTime holds the record datestamp as unix seconds.
	fieldModTime = "oaimodtime"
)

// tagFields are indexed as TAG for exact-match queries.
var tagFields = []string{
	index.FieldID,
	index.FieldCollection,
	index.FieldFormat,
	index.FieldDocDir,
	index.FieldStatus,
	index.FieldDeleted,
	index.FieldDocType,
	index.FieldURL,
	index.FieldAssignedRelIDs,
	index.FieldRelatedIDs,
	index.FieldRelatedURLs,
	index.FieldMultiRecord,
	index.FieldKey,
}

// rawFields are stored verbatim and never split on the separator.
var rawFields = map[string]bool{
	index.FieldXML:     true,
	index.FieldDocFile: true,
}

func (s *Store) indexName() string      { return s.prefix + "idx:docs" }
func (s *Store) docPrefix() string      { return s.prefix + "doc:" }
func (s *Store) docKey(k string) string { return s.docPrefix() + k }
func (s *Store) modCountKey() string    { return s.prefix + "modcount" }

// EnsureIndex creates the document index if it does not exist yet.
func (s *Store) EnsureIndex(ctx context.Context) error {
	args := []string{s.indexName(), "ON", "HASH", "PREFIX", "1", s.docPrefix(), "SCHEMA"}
	for _, f := range tagFields {
		args = append(args, f, "TAG", "SEPARATOR", multiSep)
	}
	args = append(args, index.FieldDefault, "TEXT")
	args = append(args, index.FieldTitle, "TEXT")
	args = append(args, fieldModTime, "NUMERIC", "SORTABLE")

	cmd := s.b().Arbitrary("FT.CREATE").Args(args...).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		if isRedisErr(err, "index already exists") {
			return nil
		}
		return &index.Error{Op: index.OpFTCreate, Err: err}
	}
	return nil
}

// Add stores a document hash, replacing any existing document at the key.
func (s *Store) Add(ctx context.Context, doc index.Document) error {
	fields := make(map[string]string, len(doc.Fields)+1)
	for name, vals := range doc.Fields {
		if len(vals) == 0 {
			continue
		}
		if rawFields[name] {
			fields[name] = vals[0]
			continue
		}
		fields[name] = strings.Join(vals, multiSep)
	}
	fields[fieldModTime] = strconv.FormatInt(doc.Datestamp.Unix(), 10)

	key := s.docKey(doc.Key)
	if err := s.do(ctx, s.b().Del().Key(key).Build()).Error(); err != nil {
		return &index.Error{Op: index.OpDel, Err: err}
	}
	if err := s.HSet(ctx, key, fields); err != nil {
		return err
	}
	_, err := s.Incr(ctx, s.modCountKey())
	return err
}

// Remove deletes every document whose field holds value exactly.
func (s *Store) Remove(ctx context.Context, field, value string) (int, error) {
	query := index.Term(field, value).String()
	removed := 0

	for {
		cmd := s.b().Arbitrary("FT.SEARCH").
			Args(s.indexName(), query, "NOCONTENT", "LIMIT", "0", "1000", "DIALECT", "2").
			Build()
		raw, err := s.do(ctx, cmd).ToArray()
		if err != nil {
			return removed, &index.Error{Op: index.OpFTSearch, Err: err}
		}
		if len(raw) < 2 {
			break
		}

		cmds := make([]rueidis.Completed, 0, len(raw)-1)
		for _, msg := range raw[1:] {
			key, err := msg.ToString()
			if err != nil {
				continue
			}
			cmds = append(cmds, s.b().Del().Key(key).Build())
		}
		if len(cmds) == 0 {
			break
		}
		for _, res := range s.client.DoMulti(ctx, cmds...) {
			if err := res.Error(); err != nil {
				return removed, &index.Error{Op: index.OpDel, Err: err}
			}
		}
		removed += len(cmds)
	}

	if removed > 0 {
		if _, err := s.Incr(ctx, s.modCountKey()); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Search runs the boolean query via FT.SEARCH, applying the datestamp
// range and pagination from opts.
func (s *Store) Search(ctx context.Context, q *index.Query, opts index.SearchOptions) (*index.Result, error) {
	queryStr := searchQuery(q, opts)

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	args := []string{s.indexName(), queryStr}
	if opts.OldestFirst {
		args = append(args, "SORTBY", fieldModTime, "ASC")
	}
	args = append(args,
		"LIMIT", strconv.Itoa(opts.Offset), strconv.Itoa(limit),
		"DIALECT", "2",
	)

	cmd := s.b().Arbitrary("FT.SEARCH").Args(args...).Build()
	raw, err := s.do(ctx, cmd).ToArray()
	if err != nil {
		return nil, &index.Error{Op: index.OpFTSearch, Err: err}
	}
	return s.parseSearchResult(raw)
}

// Count returns the number of documents matching the query.
func (s *Store) Count(ctx context.Context, q *index.Query) (int, error) {
	cmd := s.b().Arbitrary("FT.SEARCH").
		Args(s.indexName(), q.String(), "LIMIT", "0", "0", "DIALECT", "2").
		Build()
	raw, err := s.do(ctx, cmd).ToArray()
	if err != nil {
		return 0, &index.Error{Op: index.OpFTSearch, Err: err}
	}
	if len(raw) == 0 {
		return 0, nil
	}
	total, err := raw[0].AsInt64()
	if err != nil {
		return 0, fmt.Errorf("parse count: %w", err)
	}
	return int(total), nil
}

// Terms enumerates the distinct values of a TAG field via FT.TAGVALS.
func (s *Store) Terms(ctx context.Context, field string) ([]string, error) {
	cmd := s.b().Arbitrary("FT.TAGVALS").Args(s.indexName(), field).Build()
	vals, err := s.do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, &index.Error{Op: index.OpFTTagVals, Err: err}
	}
	sort.Strings(vals)
	return vals, nil
}

// LastModCount returns the modification counter maintained by Add and Remove.
func (s *Store) LastModCount(ctx context.Context) (int64, error) {
	data, err := s.Get(ctx, s.modCountKey())
	if err != nil {
		if errors.Is(err, index.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse mod count: %w", err)
	}
	return n, nil
}

// searchQuery combines the compiled boolean query with the datestamp
// range. The upper bound is exclusive, matching the memory driver.
func searchQuery(q *index.Query, opts index.SearchOptions) string {
	base := q.String()
	if opts.After == nil && opts.Until == nil {
		return base
	}

	min, max := "-inf", "+inf"
	if opts.After != nil {
		min = strconv.FormatInt(opts.After.Unix(), 10)
	}
	if opts.Until != nil {
		max = "(" + strconv.FormatInt(opts.Until.Unix(), 10)
	}
	rangeExpr := fmt.Sprintf("@%s:[%s %s]", fieldModTime, min, max)

	if base == "*" {
		return rangeExpr
	}
	return fmt.Sprintf("(%s) %s", base, rangeExpr)
}

func (s *Store) parseSearchResult(raw []rueidis.RedisMessage) (*index.Result, error) {
	if len(raw) == 0 {
		return &index.Result{}, nil
	}

	total, err := raw[0].AsInt64()
	if err != nil {
		return nil, fmt.Errorf("parse total: %w", err)
	}
	res := &index.Result{Total: int(total)}
	if total == 0 {
		return res, nil
	}

	// 2-stride: [total, key1, fields1, key2, fields2, ...]
	for i := 1; i+1 < len(raw); i += 2 {
		key, err := raw[i].ToString()
		if err != nil {
			continue
		}
		pairs, err := raw[i+1].AsStrSlice()
		if err != nil {
			continue
		}
		res.Docs = append(res.Docs, s.parseDoc(key, pairs))
	}
	return res, nil
}

func (s *Store) parseDoc(key string, pairs []string) index.Document {
	doc := index.Document{
		Key:    strings.TrimPrefix(key, s.docPrefix()),
		Fields: make(map[string][]string, len(pairs)/2),
	}
	for i := 0; i+1 < len(pairs); i += 2 {
		name, val := pairs[i], pairs[i+1]
		switch {
		case name == fieldModTime:
			if secs, err := strconv.ParseInt(val, 10, 64); err == nil {
				doc.Datestamp = time.Unix(secs, 0).UTC()
			}
		case rawFields[name]:
			doc.Fields[name] = []string{val}
		default:
			doc.Fields[name] = strings.Split(val, multiSep)
		}
	}
	return doc
}

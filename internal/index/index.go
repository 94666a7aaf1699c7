// Package index defines the Document Store boundary: the document model,
// the boolean query tree, and the store facade implemented by the redis
// and memory drivers.
package index

import (
	"context"
	"time"
)

// Indexed document field names.
const (
	FieldID             = "id"
	FieldCollection     = "collection"
	FieldFormat         = "xmlformat"
	FieldDocDir         = "docdir"
	FieldStatus         = "accessionstatus"
	FieldDeleted        = "deleted"
	FieldDocType        = "doctype"
	FieldURL            = "url"
	FieldAssignedRelIDs = "assignedrelids"
	FieldRelatedIDs     = "relatedids"
	FieldRelatedURLs    = "relatedurls"
	FieldTitle          = "title"       // record title, boostable full-text
	FieldMultiRecord    = "multirecord" // "true" when related records exist
	FieldDefault        = "default"     // full-text field
	FieldKey            = "key"         // collection descriptor key
)

// Stored-only field names (retrievable, never queried).
const (
	FieldXML     = "xml"
	FieldDocFile = "docfile"
)

// Document is one indexed metadata record. Fields values are multi-valued;
// Datestamp is the OAI modification time used by date-range filters.
type Document struct {
	Key       string
	Fields    map[string][]string
	Datestamp time.Time
}

// First returns the first value of a field, or "".
func (d Document) First(field string) string {
	if vs := d.Fields[field]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Has reports whether the field contains the exact value.
func (d Document) Has(field, value string) bool {
	for _, v := range d.Fields[field] {
		if v == value {
			return true
		}
	}
	return false
}

// SearchOptions carries pagination, ordering and the date-range filter.
// The date filter is applied at search time and is never folded into the
// boolean query text.
type SearchOptions struct {
	After  *time.Time // inclusive lower datestamp bound
	Until  *time.Time // exclusive upper datestamp bound
	Offset int
	Limit  int // 0 means the driver default
	// OldestFirst sorts by datestamp ascending instead of score.
	OldestFirst bool
}

// Result is the output of a search.
type Result struct {
	Total int
	Docs  []Document
}

// Pinger checks store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HashStore provides hash-based key-value operations, used to persist
// SetInfo configuration alongside the index.
type HashStore interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// KVStore provides plain key-value operations, used for admin settings
// and internal counters.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
}

// DocIndex provides the inverted-index operations over metadata records.
type DocIndex interface {
	// Add stores a document, replacing any existing document with the same key.
	Add(ctx context.Context, doc Document) error
	// Remove deletes every document whose field contains value exactly.
	// Returns the number of documents removed.
	Remove(ctx context.Context, field, value string) (int, error)
	// Search evaluates a boolean query with the given options.
	Search(ctx context.Context, q *Query, opts SearchOptions) (*Result, error)
	// Count returns the number of documents matching the query.
	Count(ctx context.Context, q *Query) (int, error)
	// Terms enumerates the distinct values of a field across the index.
	Terms(ctx context.Context, field string) ([]string, error)
	// LastModCount returns the monotonically increasing modification counter.
	LastModCount(ctx context.Context) (int64, error)
}

// Store is the full Document Store facade. Consumers depend on the narrow
// sub-interfaces they need.
type Store interface {
	Pinger
	HashStore
	KVStore
	DocIndex
	Close()
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

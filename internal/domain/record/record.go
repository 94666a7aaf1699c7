// Package record defines the metadata record value type produced by the
// indexing writers and stored in the document index.
package record

import (
	"fmt"
	"time"
)

// Accession status values. Exactly one status makes a record discoverable.
const (
	StatusAccessionedDiscoverable = "accessioned-discoverable"
	StatusAccessioned             = "accessioned"
	StatusDeaccessioned           = "deaccessioned"
)

// Doc type values for indexed documents.
const (
	DocTypeRecord   = "record"
	DocTypeErrorDoc = "errordoc"
)

// Record is one parsed metadata record, ready for indexing. The slices hold
// relationship data declared in the record XML; the resolved related-ids
// view is computed at index time by the lifecycle manager, not stored here.
type Record struct {
	ID      string
	SetSpec string // owning set key, e.g. "dcc"
	Format  string // xml format, e.g. "adn"
	Status  string // accession status; empty means StatusAccessioned
	Title   string // record title, if the XML carries one
	XML     string // raw record XML

	URLs           []string // resource URLs of the record
	AssignedRelIDs []string // ids this record declares a relationship to
	RelatedURLs    []string // urls this record declares a relationship to

	FullText  string // concatenated character data for the default field
	Deleted   bool
	Datestamp time.Time
}

// Validate checks the invariants required before a record can be committed.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record has no id")
	}
	if r.SetSpec == "" {
		return fmt.Errorf("record %q has no set", r.ID)
	}
	if r.Format == "" {
		return fmt.Errorf("record %q has no format", r.ID)
	}
	return nil
}

// EffectiveStatus returns the accession status, defaulting to accessioned.
func (r *Record) EffectiveStatus() string {
	if r.Status == "" {
		return StatusAccessioned
	}
	return r.Status
}

// Package collections manages collection-level descriptor records and
// the SetInfo lifecycle they drive: creating a collection registers its
// set and descriptor record, deleting one tears both down.
package collections

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/dlmeta/metarepo/internal/domain"
	"github.com/dlmeta/metarepo/internal/domain/record"
	"github.com/dlmeta/metarepo/internal/domain/set"
	"github.com/dlmeta/metarepo/internal/usecase/records"
)

// CollectSetSpec is the internally managed set holding the
// collection-level descriptor records. It cannot be deleted.
const CollectSetSpec = "collect"

// CollectFormat is the xml format of descriptor records.
const CollectFormat = "dlese_collect"

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// setConfig is the consumer interface over the set configuration store.
type setConfig interface {
	List() []set.SetInfo
	ByKey(spec string) (set.SetInfo, error)
	Add(ctx context.Context, si set.SetInfo) error
	Replace(ctx context.Context, si set.SetInfo) error
	Remove(ctx context.Context, spec string) error
}

// lifecycle is the consumer interface over the record lifecycle manager.
type lifecycle interface {
	PutRecord(ctx context.Context, xmlData, format, setSpec, id string, w records.Writer, persist bool) (string, error)
	DeleteRecord(ctx context.Context, id string) (bool, error)
}

// Service implements the collection API.
type Service struct {
	log     *zap.Logger
	sets    setConfig
	records lifecycle

	// collectDir holds descriptor record files; recordsDir is the root
	// under which per-collection metadata directories live.
	collectDir string
	recordsDir string
}

// New creates the collection service.
func New(log *zap.Logger, sets setConfig, recs lifecycle, collectDir, recordsDir string) *Service {
	return &Service{log: log, sets: sets, records: recs, collectDir: collectDir, recordsDir: recordsDir}
}

// PutCollection creates or updates a collection: validates the request,
// bootstraps the collect set on first use, registers the collection's
// SetInfo and writes its descriptor record. It returns the descriptor
// record id.
func (s *Service) PutCollection(ctx context.Context, key, format, title, description, extraXML string) (string, error) {
	if !keyPattern.MatchString(key) {
		return "", domain.NewPutCollectionError(domain.CodeBadKey, "invalid collection key %q", key)
	}
	if !keyPattern.MatchString(format) {
		return "", domain.NewPutCollectionError(domain.CodeBadFormatSpecifier, "invalid format %q", format)
	}
	if strings.TrimSpace(title) == "" {
		return "", domain.NewPutCollectionError(domain.CodeBadTitle, "collection title is required")
	}
	if extraXML != "" && !wellFormed(extraXML) {
		return "", domain.NewPutCollectionError(domain.CodeBadAdditionalMetadata,
			"additional metadata is not well-formed xml")
	}

	existing, err := s.sets.ByKey(key)
	exists := err == nil
	if exists && existing.Format() != format {
		return "", domain.NewPutCollectionError(domain.CodeCollectionExistsInAnotherFormat,
			"collection %q already exists with format %q", key, existing.Format())
	}

	if err := s.ensureCollectSet(ctx); err != nil {
		return "", domain.NewPutCollectionError(domain.CodeInternalError, "bootstrap collect set: %v", err)
	}

	recID := CollectSetSpec + "-" + key
	descriptor, err := marshalDescriptor(descriptorRecord{
		ID:          recID,
		Key:         key,
		Format:      format,
		Title:       title,
		Description: description,
		Extra:       extraXML,
	})
	if err != nil {
		return "", domain.NewPutCollectionError(domain.CodeBadAdditionalMetadata,
			"render descriptor record: %v", err)
	}

	dir, err := set.NewDirInfo(filepath.Join(s.recordsDir, format, key), format)
	if err != nil {
		return "", domain.NewPutCollectionError(domain.CodeInternalError, "%v", err)
	}
	si, err := set.New(key, title, description, true, dir)
	if err != nil {
		return "", domain.NewPutCollectionError(domain.CodeInternalError, "%v", err)
	}
	si = si.WithAccessionStatus(record.StatusAccessionedDiscoverable).WithRecordID(recID)

	if exists {
		err = s.sets.Replace(ctx, si.WithEnabled(existing.Enabled()))
	} else {
		err = s.sets.Add(ctx, si)
	}
	if err != nil {
		return "", domain.NewPutCollectionError(domain.CodeInternalError, "register set %q: %v", key, err)
	}

	if _, err := s.records.PutRecord(ctx, descriptor, CollectFormat, CollectSetSpec, recID, nil, true); err != nil {
		if !exists {
			if rmErr := s.sets.Remove(ctx, key); rmErr != nil {
				s.log.Warn("rollback of set registration failed", zap.String("key", key), zap.Error(rmErr))
			}
		}
		return "", domain.NewPutCollectionError(domain.CodeIOError,
			"place descriptor record for %q: %v", key, err)
	}
	return recID, nil
}

// DeleteCollection removes a collection's descriptor record, SetInfo and
// on-disk directory tree. Once the index and configuration are updated a
// failed directory removal is returned as a warning, not an error.
func (s *Service) DeleteCollection(ctx context.Context, key string) (string, error) {
	if key == CollectSetSpec {
		return "", domain.ErrProtectedSet
	}
	si, err := s.sets.ByKey(key)
	if err != nil {
		return "", domain.ErrNotFound
	}

	if si.RecordID() != "" {
		if _, err := s.records.DeleteRecord(ctx, si.RecordID()); err != nil {
			return "", fmt.Errorf("delete descriptor record %q: %w", si.RecordID(), err)
		}
	}
	dirs := si.Directories()
	if err := s.sets.Remove(ctx, key); err != nil {
		return "", fmt.Errorf("remove set %q: %w", key, err)
	}

	var warnings []string
	if si.RecordID() != "" {
		file := filepath.Join(s.collectDir, si.RecordID()+".xml")
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			warnings = append(warnings, fmt.Sprintf("descriptor file %s not removed: %v", file, err))
		}
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			warnings = append(warnings, fmt.Sprintf("directory %s not fully removed: %v", dir, err))
		}
	}
	return strings.Join(warnings, "; "), nil
}

// ensureCollectSet registers the internal collect set on first use.
func (s *Service) ensureCollectSet(ctx context.Context) error {
	if _, err := s.sets.ByKey(CollectSetSpec); err == nil {
		return nil
	}
	dir, err := set.NewDirInfo(s.collectDir, CollectFormat)
	if err != nil {
		return err
	}
	si, err := set.New(CollectSetSpec, "Collection records", "", false, dir)
	if err != nil {
		return err
	}
	err = s.sets.Add(ctx, si)
	if errors.Is(err, domain.ErrDuplicateSet) {
		return nil
	}
	return err
}

// wellFormed reports whether s parses as a balanced xml fragment.
func wellFormed(s string) bool {
	dec := xml.NewDecoder(strings.NewReader("<x>" + s + "</x>"))
	for {
		if _, err := dec.Token(); err != nil {
			return errors.Is(err, io.EOF)
		}
	}
}

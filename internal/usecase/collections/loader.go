package collections

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/dlmeta/metarepo/internal/domain/record"
	"github.com/dlmeta/metarepo/internal/domain/set"
)

// Loader reconciles the set configuration against the descriptor
// records on disk: sets gain, change or lose their SetInfo as descriptor
// files appear, change or disappear. Only sets that carry a descriptor
// record id are managed; hand-configured sets are left alone.
type Loader struct {
	log        *zap.Logger
	sets       setConfig
	collectDir string
	recordsDir string
}

// NewLoader creates a loader over the descriptor record directory.
func NewLoader(log *zap.Logger, sets setConfig, collectDir, recordsDir string) *Loader {
	return &Loader{log: log, sets: sets, collectDir: collectDir, recordsDir: recordsDir}
}

// Reload scans the descriptor directory and diffs the discovered
// collections into the set configuration. Unparseable descriptor files
// are logged and skipped; a missing directory means no managed sets.
func (l *Loader) Reload(ctx context.Context) error {
	entries, err := os.ReadDir(l.collectDir)
	if err != nil {
		if os.IsNotExist(err) {
			entries = nil
		} else {
			return fmt.Errorf("read descriptor directory %s: %w", l.collectDir, err)
		}
	}

	desired := make(map[string]descriptorRecord)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".xml") {
			continue
		}
		path := filepath.Join(l.collectDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			l.log.Warn("descriptor file unreadable", zap.String("file", path), zap.Error(err))
			continue
		}
		d, err := parseDescriptor(data)
		if err != nil || d.Key == "" || d.Format == "" {
			l.log.Warn("descriptor file skipped", zap.String("file", path), zap.Error(err))
			continue
		}
		desired[d.Key] = d
	}

	for key, d := range desired {
		if err := l.apply(ctx, key, d); err != nil {
			return err
		}
	}

	for _, si := range l.sets.List() {
		if si.SetSpec() == CollectSetSpec || si.RecordID() == "" {
			continue
		}
		if _, ok := desired[si.SetSpec()]; ok {
			continue
		}
		if err := l.sets.Remove(ctx, si.SetSpec()); err != nil {
			return fmt.Errorf("remove set %q: %w", si.SetSpec(), err)
		}
		l.log.Info("collection removed, set dropped", zap.String("set", si.SetSpec()))
	}
	return nil
}

// apply adds or updates one managed set from its descriptor.
func (l *Loader) apply(ctx context.Context, key string, d descriptorRecord) error {
	dir, err := set.NewDirInfo(filepath.Join(l.recordsDir, d.Format, key), d.Format)
	if err != nil {
		return err
	}

	existing, err := l.sets.ByKey(key)
	enabled := true
	if err == nil {
		enabled = existing.Enabled()
		if existing.Name() == d.Title && existing.Description() == d.Description &&
			existing.Format() == d.Format && existing.RecordID() == d.ID {
			return nil
		}
	}

	si, err := set.New(key, d.Title, d.Description, enabled, dir)
	if err != nil {
		return err
	}
	si = si.WithAccessionStatus(record.StatusAccessionedDiscoverable).WithRecordID(d.ID)

	if existing.SetSpec() != "" {
		if err := l.sets.Replace(ctx, si); err != nil {
			return fmt.Errorf("update set %q: %w", key, err)
		}
		return nil
	}
	if err := l.sets.Add(ctx, si); err != nil {
		return fmt.Errorf("register set %q: %w", key, err)
	}
	l.log.Info("collection discovered", zap.String("set", key), zap.String("format", d.Format))
	return nil
}

// Package set defines the DirInfo and SetInfo configuration value types.
package set

import (
	"fmt"
	"slices"
)

// DirInfo binds one metadata directory to the xml format of its files.
// A directory is owned by exactly one SetInfo repository-wide.
type DirInfo struct {
	directory string
	format    string
}

// NewDirInfo validates and creates a DirInfo.
func NewDirInfo(directory, format string) (DirInfo, error) {
	if directory == "" {
		return DirInfo{}, fmt.Errorf("directory is required")
	}
	if format == "" {
		return DirInfo{}, fmt.Errorf("format is required for directory %q", directory)
	}
	return DirInfo{directory: directory, format: format}, nil
}

// Directory returns the directory path.
func (d DirInfo) Directory() string { return d.directory }

// Format returns the xml format of the directory's files.
func (d DirInfo) Format() string { return d.format }

// Equal reports structural equality of both fields.
func (d DirInfo) Equal(o DirInfo) bool { return d == o }

// SetInfo describes one configured set (collection).
type SetInfo struct {
	setSpec         string
	name            string
	description     string
	enabled         bool
	accessionStatus string
	dirInfos        []DirInfo
	recordID        string
	uid             int64
}

// New validates and creates a SetInfo. At least one DirInfo is required.
func New(setSpec, name, description string, enabled bool, dirs ...DirInfo) (SetInfo, error) {
	if setSpec == "" {
		return SetInfo{}, fmt.Errorf("setSpec is required")
	}
	if len(dirs) == 0 {
		return SetInfo{}, fmt.Errorf("set %q needs at least one directory", setSpec)
	}
	return SetInfo{
		setSpec:     setSpec,
		name:        name,
		description: description,
		enabled:     enabled,
		dirInfos:    slices.Clone(dirs),
	}, nil
}

// SetSpec returns the unique external key of the set.
func (s SetInfo) SetSpec() string { return s.setSpec }

// Name returns the display name.
func (s SetInfo) Name() string { return s.name }

// Description returns the description text.
func (s SetInfo) Description() string { return s.description }

// Enabled reports whether the set is enabled for discovery.
func (s SetInfo) Enabled() bool { return s.enabled }

// AccessionStatus returns the accession status of the set.
func (s SetInfo) AccessionStatus() string { return s.accessionStatus }

// RecordID returns the id of the set's collection-level descriptor record.
func (s SetInfo) RecordID() string { return s.recordID }

// UID returns the opaque monotonic id assigned by the configuration store.
func (s SetInfo) UID() int64 { return s.uid }

// DirInfos returns a copy of the ordered directory list.
func (s SetInfo) DirInfos() []DirInfo { return slices.Clone(s.dirInfos) }

// Directory returns the primary (first) directory of the set.
func (s SetInfo) Directory() string { return s.dirInfos[0].directory }

// Format returns the xml format of the primary directory.
func (s SetInfo) Format() string { return s.dirInfos[0].format }

// Directories returns the directory paths of all DirInfos, in order.
func (s SetInfo) Directories() []string {
	out := make([]string, len(s.dirInfos))
	for i, d := range s.dirInfos {
		out[i] = d.directory
	}
	return out
}

// HasDirectory reports whether the set owns the given directory.
func (s SetInfo) HasDirectory(dir string) bool {
	for _, d := range s.dirInfos {
		if d.directory == dir {
			return true
		}
	}
	return false
}

// WithEnabled returns a copy with the enabled flag set.
func (s SetInfo) WithEnabled(enabled bool) SetInfo {
	c := s.copy()
	c.enabled = enabled
	return c
}

// WithAccessionStatus returns a copy with the accession status set.
func (s SetInfo) WithAccessionStatus(status string) SetInfo {
	c := s.copy()
	c.accessionStatus = status
	return c
}

// WithRecordID returns a copy with the descriptor record id set.
func (s SetInfo) WithRecordID(id string) SetInfo {
	c := s.copy()
	c.recordID = id
	return c
}

// WithName returns a copy with the display name set.
func (s SetInfo) WithName(name string) SetInfo {
	c := s.copy()
	c.name = name
	return c
}

// WithDescription returns a copy with the description set.
func (s SetInfo) WithDescription(desc string) SetInfo {
	c := s.copy()
	c.description = desc
	return c
}

// WithUID returns a copy with the store-assigned uid set.
func (s SetInfo) WithUID(uid int64) SetInfo {
	c := s.copy()
	c.uid = uid
	return c
}

func (s SetInfo) copy() SetInfo {
	s.dirInfos = slices.Clone(s.dirInfos)
	return s
}

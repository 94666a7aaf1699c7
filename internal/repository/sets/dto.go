package sets

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dlmeta/metarepo/internal/domain/set"
)

// dirRow is the JSON-serializable representation of a DirInfo for HSET.
type dirRow struct {
	Directory string `json:"directory"`
	Format    string `json:"format"`
}

// setToHash converts a SetInfo to a map for HSET.
func setToHash(si set.SetInfo) (map[string]string, error) {
	dirs := si.DirInfos()
	rows := make([]dirRow, len(dirs))
	for i, d := range dirs {
		rows[i] = dirRow{Directory: d.Directory(), Format: d.Format()}
	}
	dirsJSON, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("marshal dirs: %w", err)
	}
	return map[string]string{
		"setSpec":         si.SetSpec(),
		"name":            si.Name(),
		"description":     si.Description(),
		"enabled":         strconv.FormatBool(si.Enabled()),
		"accessionStatus": si.AccessionStatus(),
		"recordID":        si.RecordID(),
		"uid":             strconv.FormatInt(si.UID(), 10),
		"dirs_json":       string(dirsJSON),
	}, nil
}

// setFromHash hydrates a SetInfo from an HGETALL result map.
func setFromHash(m map[string]string) (set.SetInfo, error) {
	var rows []dirRow
	if s := m["dirs_json"]; s != "" {
		if err := json.Unmarshal([]byte(s), &rows); err != nil {
			return set.SetInfo{}, fmt.Errorf("unmarshal dirs: %w", err)
		}
	}
	dirs := make([]set.DirInfo, len(rows))
	for i, r := range rows {
		d, err := set.NewDirInfo(r.Directory, r.Format)
		if err != nil {
			return set.SetInfo{}, err
		}
		dirs[i] = d
	}

	enabled, _ := strconv.ParseBool(m["enabled"])
	si, err := set.New(m["setSpec"], m["name"], m["description"], enabled, dirs...)
	if err != nil {
		return set.SetInfo{}, err
	}
	si = si.WithAccessionStatus(m["accessionStatus"]).WithRecordID(m["recordID"])

	if s := m["uid"]; s != "" {
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return set.SetInfo{}, fmt.Errorf("invalid uid: %w", err)
		}
		si = si.WithUID(uid)
	}
	return si, nil
}

package collections

import (
	"encoding/xml"
	"strings"
)

// descriptorRecord is the collection-level record describing one
// collection: its key, native format and display metadata.
type descriptorRecord struct {
	ID          string
	Key         string
	Format      string
	Title       string
	Description string
	Extra       string // caller-supplied xml fragment, stored verbatim
}

type extraMetadata struct {
	Inner string `xml:",innerxml"`
}

type descriptorXML struct {
	XMLName     xml.Name       `xml:"collectionRecord"`
	ID          string         `xml:"id,attr"`
	Key         string         `xml:"key"`
	Format      string         `xml:"format"`
	Title       string         `xml:"title"`
	Description string         `xml:"description,omitempty"`
	Extra       *extraMetadata `xml:"additionalMetadata"`
}

func marshalDescriptor(d descriptorRecord) (string, error) {
	w := descriptorXML{
		ID:          d.ID,
		Key:         d.Key,
		Format:      d.Format,
		Title:       d.Title,
		Description: d.Description,
	}
	if d.Extra != "" {
		w.Extra = &extraMetadata{Inner: d.Extra}
	}
	out, err := xml.MarshalIndent(w, "", "  ")
	if err != nil {
		return "", err
	}
	return xml.Header + string(out) + "\n", nil
}

func parseDescriptor(data []byte) (descriptorRecord, error) {
	var w descriptorXML
	if err := xml.Unmarshal(data, &w); err != nil {
		return descriptorRecord{}, err
	}
	d := descriptorRecord{
		ID:          w.ID,
		Key:         strings.TrimSpace(w.Key),
		Format:      strings.TrimSpace(w.Format),
		Title:       strings.TrimSpace(w.Title),
		Description: strings.TrimSpace(w.Description),
	}
	if w.Extra != nil {
		d.Extra = strings.TrimSpace(w.Extra.Inner)
	}
	return d, nil
}

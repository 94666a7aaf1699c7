package records

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dlmeta/metarepo/internal/domain/record"
)

// Writer turns raw record XML into an indexable Record. Implementations
// are registered per xml format; unknown formats fall back to the
// generic writer.
type Writer interface {
	Parse(data []byte, setSpec, format string) (*record.Record, error)
}

// Registry is the format-keyed writer lookup table.
type Registry struct {
	mu       sync.RWMutex
	writers  map[string]Writer
	fallback Writer
}

// NewRegistry creates a registry with the generic XML writer as fallback.
func NewRegistry() *Registry {
	return &Registry{writers: map[string]Writer{}, fallback: GenericWriter{}}
}

// Register binds a writer to an xml format, replacing any previous one.
func (r *Registry) Register(format string, w Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writers[format] = w
}

// For returns the writer registered for the format, or the fallback.
func (r *Registry) For(format string) Writer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if w, ok := r.writers[format]; ok {
		return w
	}
	return r.fallback
}

// GenericWriter parses any well-formed record XML by convention: the id
// comes from the root's id attribute or the first <id> element, the
// accession status from <accessionStatus>, the title from the first
// <title>, relationships from <relation idRef=...> / <relation
// urlRef=...>, resource URLs from <url> elements, and all character data
// feeds the full-text field.
type GenericWriter struct{}

// Parse implements Writer.
func (GenericWriter) Parse(data []byte, setSpec, format string) (*record.Record, error) {
	rec := &record.Record{
		SetSpec: setSpec,
		Format:  format,
		XML:     string(data),
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	var (
		fullText strings.Builder
		stack    []string
		sawRoot  bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed record xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
			if !sawRoot {
				sawRoot = true
				for _, a := range t.Attr {
					if a.Name.Local == "id" && rec.ID == "" {
						rec.ID = strings.TrimSpace(a.Value)
					}
				}
			}
			if t.Name.Local == "relation" {
				for _, a := range t.Attr {
					switch a.Name.Local {
					case "idRef":
						rec.AssignedRelIDs = appendTrimmed(rec.AssignedRelIDs, a.Value)
					case "urlRef":
						rec.RelatedURLs = appendTrimmed(rec.RelatedURLs, a.Value)
					}
				}
			}
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			text := strings.TrimSpace(string(t))
			if text == "" {
				break
			}
			switch current(stack) {
			case "id":
				if rec.ID == "" {
					rec.ID = text
				}
			case "accessionStatus":
				rec.Status = text
			case "title":
				if rec.Title == "" {
					rec.Title = text
				}
			case "url":
				rec.URLs = appendTrimmed(rec.URLs, text)
			}
			if fullText.Len() > 0 {
				fullText.WriteByte(' ')
			}
			fullText.WriteString(text)
		}
	}
	if !sawRoot {
		return nil, fmt.Errorf("empty record document")
	}

	rec.FullText = fullText.String()
	return rec, nil
}

func current(stack []string) string {
	if len(stack) == 0 {
		return ""
	}
	return stack[len(stack)-1]
}

func appendTrimmed(dst []string, v string) []string {
	if v = strings.TrimSpace(v); v != "" {
		return append(dst, v)
	}
	return dst
}

// Package convert computes the format-conversion closure: which native
// xml formats can satisfy a requested dissemination format.
package convert

import "sort"

// Service answers reachability questions over the configured directed
// conversion graph (native format -> producible formats).
type Service struct {
	direct map[string][]string
}

// New creates a conversion service from the configured edges.
func New(conversions map[string][]string) *Service {
	direct := make(map[string][]string, len(conversions))
	for from, tos := range conversions {
		direct[from] = append([]string(nil), tos...)
	}
	return &Service{direct: direct}
}

// Reachable returns every format producible from the given native
// format, including the format itself, sorted.
func (s *Service) Reachable(format string) []string {
	if format == "" {
		return nil
	}
	seen := map[string]bool{format: true}
	queue := []string{format}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range s.direct[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Sources returns every native format from which the target format can
// be produced, including the target itself, sorted. This is the set a
// dissemination query must match against the xmlformat field.
func (s *Service) Sources(target string) []string {
	if target == "" {
		return nil
	}
	seen := map[string]bool{target: true}
	changed := true
	for changed {
		changed = false
		for from := range s.direct {
			if seen[from] {
				continue
			}
			for _, f := range s.Reachable(from) {
				if seen[f] {
					seen[from] = true
					changed = true
					break
				}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// CanProduce reports whether the native format can produce the target.
func (s *Service) CanProduce(native, target string) bool {
	for _, f := range s.Reachable(native) {
		if f == target {
			return true
		}
	}
	return false
}

// OutputFormats returns every format producible from any of the given
// native formats, sorted.
func (s *Service) OutputFormats(native []string) []string {
	seen := make(map[string]bool)
	for _, n := range native {
		for _, f := range s.Reachable(n) {
			seen[f] = true
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

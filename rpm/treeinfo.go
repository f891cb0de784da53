package rpm

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// TreeInfo is a parsed .treeinfo manifest, the ini-shaped file anaconda uses
// to find installer assets in a tree.
type TreeInfo struct {
	// section name, lowercased, to key/value pairs
	Sections map[string]map[string]string
}

// ParseTreeInfo reads a .treeinfo document.
func ParseTreeInfo(r io.Reader) (*TreeInfo, error) {
	ti := &TreeInfo{Sections: make(map[string]map[string]string)}
	var cur map[string]string
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		switch {
		case line == "", strings.HasPrefix(line, "#"), strings.HasPrefix(line, ";"):
			continue
		case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
			name := strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			cur = ti.Sections[name]
			if cur == nil {
				cur = make(map[string]string)
				ti.Sections[name] = cur
			}
		default:
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				return nil, fmt.Errorf("rpm: malformed .treeinfo line %q", line)
			}
			if cur == nil {
				return nil, fmt.Errorf("rpm: .treeinfo key %q outside any section", strings.TrimSpace(k))
			}
			cur[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("rpm: reading .treeinfo: %w", err)
	}
	return ti, nil
}

// Images returns the distinct tree-relative asset paths the manifest names:
// every value of the per-arch images sections plus the stage2 and media
// images, sorted.
func (ti *TreeInfo) Images() []string {
	seen := make(map[string]struct{})
	for name, sec := range ti.Sections {
		switch {
		case strings.HasPrefix(name, "images-"), name == "stage2", name == "media":
			for _, v := range sec {
				if v == "" {
					continue
				}
				seen[v] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Checksum returns the declared digest for a tree-relative path in "algo:hex"
// form, or the empty string when the checksums section does not name it.
func (ti *TreeInfo) Checksum(path string) string {
	return ti.Sections["checksums"][path]
}

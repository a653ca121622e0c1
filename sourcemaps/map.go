// Package sourcemaps reads source map v3 documents and answers position
// lookups in both directions. The widely used go-sourcemap consumer only maps
// generated positions to original ones, so parsing keeps it as a validation
// gate while the lookup tables are decoded in-package, which also gives us
// the reverse (original to generated) direction.
package sourcemaps

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/go-sourcemap/sourcemap"
	"github.com/tidwall/gjson"
)

// Entry is one decoded mapping: a 0-based generated position and, when the
// segment carried source fields, the 0-based original position it came from.
type Entry struct {
	GenLine    int
	GenCol     int
	SourceURL  string
	SourceLine int
	SourceCol  int
	Name       string
}

// Map is a parsed, immutable source map.
type Map struct {
	url        string
	sourceURLs []string
	content    map[string]string
	entries    []Entry // sorted by (GenLine, GenCol)
	reverse    map[string][]Entry
	errs       []error
}

type rawMap struct {
	Version        int       `json:"version"`
	File           string    `json:"file"`
	SourceRoot     string    `json:"sourceRoot"`
	Sources        []string  `json:"sources"`
	SourcesContent []*string `json:"sourcesContent"`
	Names          []string  `json:"names"`
	Mappings       string    `json:"mappings"`
}

// Parse decodes a source map document. mapURL is the URL the document was
// loaded from and is kept for resolving relative source URLs; it may be empty
// for inline (data:) maps. Recoverable decode problems are collected and
// exposed through Errors rather than failing the parse.
func Parse(mapURL string, data []byte) (*Map, error) {
	if v := gjson.GetBytes(data, "version"); v.Int() != 3 {
		return nil, fmt.Errorf("unsupported source map version %d", v.Int())
	}
	if gjson.GetBytes(data, "sections").Exists() {
		return nil, fmt.Errorf("indexed source maps (sections) are not supported")
	}
	// go-sourcemap rejects structurally broken documents that the decoding
	// below would only surface as warnings.
	if _, err := sourcemap.Parse(mapURL, data); err != nil {
		return nil, err
	}

	var raw rawMap
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	m := &Map{
		url:     mapURL,
		content: make(map[string]string, len(raw.Sources)),
		reverse: make(map[string][]Entry),
	}
	m.sourceURLs = make([]string, len(raw.Sources))
	for i, src := range raw.Sources {
		m.sourceURLs[i] = applySourceRoot(raw.SourceRoot, src)
		if i < len(raw.SourcesContent) && raw.SourcesContent[i] != nil {
			m.content[m.sourceURLs[i]] = *raw.SourcesContent[i]
		}
	}
	m.decodeMappings(raw.Mappings, raw.Names)
	m.index()
	return m, nil
}

// applySourceRoot prepends the map's sourceRoot to a source URL, unless the
// URL is already absolute.
func applySourceRoot(root, src string) string {
	if root == "" || strings.Contains(src, "://") || strings.HasPrefix(src, "/") {
		return src
	}
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return root + src
}

func (m *Map) decodeMappings(mappings string, names []string) {
	var (
		fields                                 []int
		genCol, srcIdx, srcLine, srcCol, nameIdx int
	)
	for genLine, line := range strings.Split(mappings, ";") {
		genCol = 0
		if line == "" {
			continue
		}
		for _, seg := range strings.Split(line, ",") {
			var err error
			fields, err = decodeSegment(seg, fields)
			if err != nil {
				m.errs = append(m.errs, fmt.Errorf("line %d: %w", genLine, err))
				break
			}
			genCol += fields[0]
			if len(fields) == 1 {
				continue
			}
			srcIdx += fields[1]
			srcLine += fields[2]
			srcCol += fields[3]
			e := Entry{
				GenLine:    genLine,
				GenCol:     genCol,
				SourceLine: srcLine,
				SourceCol:  srcCol,
			}
			if srcIdx < 0 || srcIdx >= len(m.sourceURLs) {
				m.errs = append(m.errs, fmt.Errorf("line %d: source index %d out of range", genLine, srcIdx))
				continue
			}
			e.SourceURL = m.sourceURLs[srcIdx]
			if len(fields) == 5 {
				nameIdx += fields[4]
				if nameIdx >= 0 && nameIdx < len(names) {
					e.Name = names[nameIdx]
				}
			}
			m.entries = append(m.entries, e)
		}
	}
}

func (m *Map) index() {
	sort.SliceStable(m.entries, func(i, j int) bool {
		a, b := m.entries[i], m.entries[j]
		if a.GenLine != b.GenLine {
			return a.GenLine < b.GenLine
		}
		return a.GenCol < b.GenCol
	})
	for _, e := range m.entries {
		if e.SourceURL != "" {
			m.reverse[e.SourceURL] = append(m.reverse[e.SourceURL], e)
		}
	}
	for _, entries := range m.reverse {
		sort.SliceStable(entries, func(i, j int) bool {
			a, b := entries[i], entries[j]
			if a.SourceLine != b.SourceLine {
				return a.SourceLine < b.SourceLine
			}
			return a.SourceCol < b.SourceCol
		})
	}
}

// NewSynthetic builds an in-memory map that is never loaded from anywhere,
// used by pretty-printing. All entries are attributed to sourceURL and
// content is served from the given text.
func NewSynthetic(mapURL, sourceURL, sourceContent string, entries []Entry) *Map {
	m := &Map{
		url:        mapURL,
		sourceURLs: []string{sourceURL},
		content:    map[string]string{sourceURL: sourceContent},
		reverse:    make(map[string][]Entry),
		entries:    make([]Entry, len(entries)),
	}
	for i, e := range entries {
		e.SourceURL = sourceURL
		m.entries[i] = e
	}
	m.index()
	return m
}

// URL returns the URL this map was loaded from, empty for inline maps.
func (m *Map) URL() string { return m.url }

// SourceURLs returns the literal source URLs the map declares, with
// sourceRoot already folded in.
func (m *Map) SourceURLs() []string { return m.sourceURLs }

// SourceContent returns the embedded content for a source URL, if the map
// carried any.
func (m *Map) SourceContent(sourceURL string) (string, bool) {
	c, ok := m.content[sourceURL]
	return c, ok
}

// Errors returns the non-fatal problems encountered while decoding the
// mappings.
func (m *Map) Errors() []error { return m.errs }

// FindEntry locates the mapping for a 0-based generated position: the last
// entry on the same generated line at or before the given column.
func (m *Map) FindEntry(line, col int) (Entry, bool) {
	i := sort.Search(len(m.entries), func(i int) bool {
		e := m.entries[i]
		return e.GenLine > line || (e.GenLine == line && e.GenCol > col)
	})
	if i == 0 {
		return Entry{}, false
	}
	e := m.entries[i-1]
	if e.GenLine != line || e.SourceURL == "" {
		return Entry{}, false
	}
	return e, true
}

// FindReverseEntry locates the mapping for a 0-based original position in the
// given source: the last entry on the same original line at or before the
// given column.
func (m *Map) FindReverseEntry(sourceURL string, line, col int) (Entry, bool) {
	entries := m.reverse[sourceURL]
	i := sort.Search(len(entries), func(i int) bool {
		e := entries[i]
		return e.SourceLine > line || (e.SourceLine == line && e.SourceCol > col)
	})
	if i == 0 {
		return Entry{}, false
	}
	e := entries[i-1]
	if e.SourceLine != line {
		return Entry{}, false
	}
	return e, true
}

// ParseData decodes a data: URL holding an inline source map. Both base64 and
// percent-encoded payloads are handled.
func ParseData(dataURL string) (*Map, error) {
	const base64Prefix = ";base64,"
	if i := strings.Index(dataURL, base64Prefix); i != -1 {
		b, err := base64.StdEncoding.DecodeString(dataURL[i+len(base64Prefix):])
		if err != nil {
			return nil, fmt.Errorf("decoding inline source map: %w", err)
		}
		return Parse("", b)
	}
	i := strings.IndexByte(dataURL, ',')
	if i == -1 {
		return nil, fmt.Errorf("malformed data URL")
	}
	body, err := url.PathUnescape(dataURL[i+1:])
	if err != nil {
		return nil, fmt.Errorf("decoding inline source map: %w", err)
	}
	return Parse("", []byte(body))
}

// ExtractSourceMapURL returns the URL named by the last sourceMappingURL
// comment in code, or an empty string.
func ExtractSourceMapURL(code string) string {
	for _, marker := range []string{"//# sourceMappingURL=", "//@ sourceMappingURL="} {
		if index := strings.LastIndex(code, marker); index != -1 {
			mapURL := code[index+len(marker):]
			if nl := strings.IndexAny(mapURL, "\r\n"); nl != -1 {
				mapURL = mapURL[:nl]
			}
			return strings.TrimSpace(mapURL)
		}
	}
	return ""
}

package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// BrowserIndicator maps a window-class or process-path substring to a browser
// display name. Order matters: the first matching indicator wins.
type BrowserIndicator struct {
	Match string `yaml:"match" json:"match"`
	Name  string `yaml:"name" json:"name"`
}

// Heuristics is the table surface of the window classifier: separator
// strings, browser indicator/display-name tables, strip-extension sets and
// the URL TLD list. Values are immutable once compiled; the dispatch
// structure in the extractor is fixed and only these tables tune it.
type Heuristics struct {
	Separators        []string           `yaml:"separators"`
	BrowserIndicators []BrowserIndicator `yaml:"browser_indicators"`
	BrowserNames      []string           `yaml:"browser_names"`
	TitleExtensions   []string           `yaml:"title_extensions"`
	ExecExtensions    []string           `yaml:"exec_extensions"`
	URLTLDs           []string           `yaml:"url_tlds"`
	UnknownApp        string             `yaml:"unknown_app"`

	urlPattern      *regexp.Regexp
	queryTail       *regexp.Regexp
	titleExtTail    *regexp.Regexp
	execExtTail     *regexp.Regexp
	browserNameTail *regexp.Regexp
	browserNameMid  *regexp.Regexp
	doubledSep      *regexp.Regexp
	leadingSepRun   *regexp.Regexp
	trailingSepRun  *regexp.Regexp
	wwwPrefix       *regexp.Regexp
}

// DefaultHeuristics returns the built-in tables.
func DefaultHeuristics() *Heuristics {
	h := &Heuristics{
		Separators: []string{"::", " - ", " | ", " — ", " – "},
		BrowserIndicators: []BrowserIndicator{
			{Match: "Chrome_WidgetWin_1", Name: "Google Chrome"},
			{Match: "MozillaWindowClass", Name: "Firefox"},
			{Match: "Edge", Name: "Microsoft Edge"},
		},
		BrowserNames: []string{
			"Google Chrome", "Chrome", "Firefox", "Mozilla Firefox",
			"Microsoft Edge", "Edge", "Safari", "Opera",
		},
		TitleExtensions: []string{
			"exe", "bat", "dll", "py", "sh", "txt", "doc", "docx", "pdf",
			"xlsx", "pptx", "jpg", "png", "gif", "mp4", "mp3", "zip", "rar", "7z",
		},
		ExecExtensions: []string{"exe", "bat", "dll"},
		URLTLDs:        []string{"com", "ru", "org", "net", "edu", "gov", "io"},
		UnknownApp:     "unknown",
	}
	if err := h.compile(); err != nil {
		// The built-in tables always compile.
		panic(err)
	}
	return h
}

// LoadHeuristics reads a YAML overrides file and applies its non-empty
// sections over the defaults. An empty path or a missing file yields the
// defaults.
func LoadHeuristics(path string) (*Heuristics, error) {
	h := DefaultHeuristics()
	if path == "" {
		return h, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return h, nil
		}
		return nil, fmt.Errorf("LoadHeuristics: read file: %w", err)
	}

	var o Heuristics
	if err := yaml.Unmarshal(b, &o); err != nil {
		return nil, fmt.Errorf("LoadHeuristics: unmarshal: %w", err)
	}
	if len(o.Separators) > 0 {
		h.Separators = o.Separators
	}
	if len(o.BrowserIndicators) > 0 {
		h.BrowserIndicators = o.BrowserIndicators
	}
	if len(o.BrowserNames) > 0 {
		h.BrowserNames = o.BrowserNames
	}
	if len(o.TitleExtensions) > 0 {
		h.TitleExtensions = o.TitleExtensions
	}
	if len(o.ExecExtensions) > 0 {
		h.ExecExtensions = o.ExecExtensions
	}
	if len(o.URLTLDs) > 0 {
		h.URLTLDs = o.URLTLDs
	}
	if o.UnknownApp != "" {
		h.UnknownApp = o.UnknownApp
	}

	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("LoadHeuristics: %w", err)
	}
	if err := h.compile(); err != nil {
		return nil, fmt.Errorf("LoadHeuristics: %w", err)
	}
	return h, nil
}

// Validate checks the tables are usable.
func (h *Heuristics) Validate() error {
	if h == nil {
		return errors.New("Heuristics: nil")
	}
	if len(h.Separators) == 0 {
		return errors.New("Heuristics: separators table is empty")
	}
	for i, sep := range h.Separators {
		if sep == "" {
			return fmt.Errorf("Heuristics: separator %d is empty", i)
		}
	}
	for i, ind := range h.BrowserIndicators {
		if strings.TrimSpace(ind.Match) == "" || strings.TrimSpace(ind.Name) == "" {
			return fmt.Errorf("Heuristics: browser indicator %d has empty match or name", i)
		}
	}
	if len(h.URLTLDs) == 0 {
		return errors.New("Heuristics: url_tlds table is empty")
	}
	if h.UnknownApp == "" {
		return errors.New("Heuristics: unknown_app sentinel is empty")
	}
	return nil
}

func (h *Heuristics) compile() error {
	tlds := make([]string, 0, len(h.URLTLDs))
	for _, tld := range h.URLTLDs {
		if tld = strings.TrimSpace(tld); tld != "" {
			tlds = append(tlds, regexp.QuoteMeta(tld))
		}
	}
	var err error
	h.urlPattern, err = regexp.Compile(`(?i)https?://\S+|www\.\S+|\S+\.(?:` + strings.Join(tlds, "|") + `)\S*`)
	if err != nil {
		return fmt.Errorf("compile url pattern: %w", err)
	}
	h.queryTail = regexp.MustCompile(`(?s)\?.*`)
	h.wwwPrefix = regexp.MustCompile(`(?i)^www\.`)

	if h.titleExtTail, err = extTailPattern(h.TitleExtensions); err != nil {
		return fmt.Errorf("compile title extensions: %w", err)
	}
	if h.execExtTail, err = extTailPattern(h.ExecExtensions); err != nil {
		return fmt.Errorf("compile exec extensions: %w", err)
	}

	cls := separatorCharClass(h.Separators)
	names := make([]string, 0, len(h.BrowserNames))
	for _, n := range h.BrowserNames {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, regexp.QuoteMeta(n))
		}
	}
	alt := strings.Join(names, "|")
	if alt == "" {
		// No names to strip; \z followed by anything can never match.
		alt = `\z.`
	}
	h.browserNameTail, err = regexp.Compile(`(?i)\s*[` + cls + `\s]*(?:` + alt + `)$`)
	if err != nil {
		return fmt.Errorf("compile browser tail: %w", err)
	}
	h.browserNameMid, err = regexp.Compile(`(?i)[` + cls + `]\s*(?:` + alt + `)\s*[` + cls + `]`)
	if err != nil {
		return fmt.Errorf("compile browser middle: %w", err)
	}
	if h.doubledSep, err = regexp.Compile(`[` + cls + `]\s*[` + cls + `]`); err != nil {
		return fmt.Errorf("compile separator collapse: %w", err)
	}
	if h.leadingSepRun, err = regexp.Compile(`^[` + cls + `\s]+`); err != nil {
		return fmt.Errorf("compile leading separators: %w", err)
	}
	if h.trailingSepRun, err = regexp.Compile(`[` + cls + `\s]+$`); err != nil {
		return fmt.Errorf("compile trailing separators: %w", err)
	}
	return nil
}

// separatorCharClass builds a regexp character-class body from every rune
// appearing in the separator strings.
func separatorCharClass(separators []string) string {
	var b strings.Builder
	seen := make(map[rune]struct{})
	for _, sep := range separators {
		for _, r := range sep {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			switch r {
			case '\\', ']', '^', '-':
				b.WriteByte('\\')
				b.WriteRune(r)
			default:
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

func extTailPattern(exts []string) (*regexp.Regexp, error) {
	quoted := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.TrimPrefix(strings.TrimSpace(e), ".")
		if e != "" {
			quoted = append(quoted, regexp.QuoteMeta(e))
		}
	}
	if len(quoted) == 0 {
		return regexp.Compile(`\z.`)
	}
	return regexp.Compile(`(?i)\.(?:` + strings.Join(quoted, "|") + `)$`)
}

package pipeline

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrEnvironmentDecode marks an environment payload that was present but not
// a JSON object. Callers distinguish it from the empty result of a blank or
// windowless payload.
var ErrEnvironmentDecode = errors.New("environment payload is not a JSON object")

// WindowContext is one window's extracted context, ordered topmost first
// within its snapshot. RootApp is never empty; it falls back through the
// process path and classname to the configured unknown sentinel.
type WindowContext struct {
	ProgramTitle string `json:"program_title"`
	RootApp      string `json:"root_app"`
	TabTitle     string `json:"tab_title"`
	Classname    string `json:"classname"`
	ProcessPath  string `json:"process_path"`
	IsActive     bool   `json:"is_active"`
	ZIndex       int64  `json:"z_index"`

	WindowLeft   *float64 `json:"window_left"`
	WindowTop    *float64 `json:"window_top"`
	WindowRight  *float64 `json:"window_right"`
	WindowBottom *float64 `json:"window_bottom"`

	// Snapshot-level fields, repeated on every window of the snapshot.
	MouseX            *float64 `json:"mouse_x"`
	MouseY            *float64 `json:"mouse_y"`
	Modifiers         string   `json:"modifiers"`
	SnapshotTimestamp string   `json:"snapshot_timestamp"`
}

// ExtractWindowContexts decodes one environment payload and classifies every
// window in it. A blank payload or one without windows yields an empty slice;
// a payload that is not a JSON object yields ErrEnvironmentDecode. Window
// entries that are not objects are skipped.
func ExtractWindowContexts(env string, h *Heuristics) ([]WindowContext, error) {
	if strings.TrimSpace(env) == "" {
		return []WindowContext{}, nil
	}
	if !gjson.Valid(env) {
		return nil, fmt.Errorf("ExtractWindowContexts: %w", ErrEnvironmentDecode)
	}
	top := gjson.Parse(env)
	if !top.IsObject() {
		return nil, fmt.Errorf("ExtractWindowContexts: %w", ErrEnvironmentDecode)
	}

	mouseX := floatPtr(top.Get("mouse_x"))
	mouseY := floatPtr(top.Get("mouse_y"))
	modifiers := flattenModifiers(top.Get("modifiers"))
	snapshotTS := snapshotTimestamp(top.Get("timestamp"))

	windows := top.Get("log_windows")
	if !windows.IsArray() {
		return []WindowContext{}, nil
	}

	type entry struct {
		win gjson.Result
		z   int64
	}
	var entries []entry
	for _, win := range windows.Array() {
		if !win.IsObject() {
			continue
		}
		z := int64(0)
		if zv := win.Get("z_index"); zv.Type == gjson.Number {
			z = zv.Int()
		}
		entries = append(entries, entry{win: win, z: z})
	}
	// Topmost first; ties keep payload order.
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].z > entries[j].z })

	contexts := make([]WindowContext, 0, len(entries))
	for _, e := range entries {
		title := trimmedString(e.win.Get("program_title"))
		classname := trimmedString(e.win.Get("classname"))
		processPath := trimmedString(e.win.Get("process_path"))
		cleanedPath := h.cleanAndShorten(processPath, false)

		rootApp, tabTitle := h.classifyWindow(title, classname, processPath, cleanedPath)

		contexts = append(contexts, WindowContext{
			ProgramTitle:      title,
			RootApp:           rootApp,
			TabTitle:          tabTitle,
			Classname:         classname,
			ProcessPath:       cleanedPath,
			IsActive:          e.win.Get("is_active").Bool(),
			ZIndex:            e.z,
			WindowLeft:        floatPtr(e.win.Get("window_left")),
			WindowTop:         floatPtr(e.win.Get("window_top")),
			WindowRight:       floatPtr(e.win.Get("window_right")),
			WindowBottom:      floatPtr(e.win.Get("window_bottom")),
			MouseX:            mouseX,
			MouseY:            mouseY,
			Modifiers:         modifiers,
			SnapshotTimestamp: snapshotTS,
		})
	}
	return contexts, nil
}

// classifyWindow derives (root_app, tab_title) from one window's title,
// classname and process path. Branches are tried in order: known browser,
// filesystem path in the title, rightmost title separator, whole title.
// An empty root_app then falls back to the process path basename and
// finally the classname; the unknown sentinel is the last resort.
func (h *Heuristics) classifyWindow(title, classname, processPath, cleanedPath string) (rootApp, tabTitle string) {
	if browser := h.detectBrowser(classname, processPath); browser != "" {
		rootApp = browser
		tabTitle = h.cleanAndShorten(h.removeBrowserNames(title), true)
	} else if strings.ContainsAny(title, `\/`) {
		dir, file := splitPathTitle(title)
		tabTitle = strings.TrimSpace(h.titleExtTail.ReplaceAllString(file, ""))
		candidate := dir
		if candidate == "" {
			candidate = file
		}
		rootApp = h.cleanAndShorten(candidate, false)
	} else if sep, pos := rightmostSeparator(title, h.Separators); sep != "" && pos > 0 {
		tabTitle = h.cleanAndShorten(strings.TrimSpace(title[:pos]), false)
		rootApp = h.cleanAndShorten(strings.TrimSpace(title[pos+len(sep):]), false)
	} else {
		rootApp = h.cleanAndShorten(title, false)
	}

	if rootApp == "" && cleanedPath != "" {
		_, base := splitPathTitle(cleanedPath)
		rootApp = strings.TrimSpace(h.execExtTail.ReplaceAllString(base, ""))
		if rootApp == "" && classname != "" {
			rootApp = classname
		}
	}
	if rootApp == "" {
		rootApp = h.UnknownApp
	}
	return rootApp, tabTitle
}

// detectBrowser returns the display name of the first matching browser
// indicator. Classnames match case-sensitively, process paths
// case-insensitively.
func (h *Heuristics) detectBrowser(classname, processPath string) string {
	lowerPath := strings.ToLower(processPath)
	for _, ind := range h.BrowserIndicators {
		if strings.Contains(classname, ind.Match) {
			return ind.Name
		}
		if processPath != "" && strings.Contains(lowerPath, strings.ToLower(ind.Match)) {
			return ind.Name
		}
	}
	return ""
}

// removeBrowserNames strips browser product names and the separator debris
// they leave behind from a window title.
func (h *Heuristics) removeBrowserNames(text string) string {
	if text == "" {
		return ""
	}
	s := strings.TrimSpace(h.browserNameTail.ReplaceAllString(text, ""))
	s = strings.TrimSpace(h.browserNameMid.ReplaceAllString(s, " - "))
	s = strings.TrimSpace(h.doubledSep.ReplaceAllString(s, " - "))
	s = strings.TrimSpace(h.leadingSepRun.ReplaceAllString(s, ""))
	s = strings.TrimSpace(h.trailingSepRun.ReplaceAllString(s, ""))
	return s
}

// cleanAndShorten normalizes one title or path fragment. Text that is or
// contains a URL is collapsed to domain plus leading path; otherwise URLs
// and query tails are removed and long filesystem paths collapse to their
// last two segments.
func (h *Heuristics) cleanAndShorten(text string, isURL bool) string {
	if text == "" {
		return ""
	}
	s := strings.TrimSpace(text)
	if isURL || h.urlPattern.MatchString(s) {
		return h.shortenURL(s)
	}
	s = h.urlPattern.ReplaceAllString(s, "")
	s = strings.TrimSpace(h.queryTail.ReplaceAllString(s, ""))
	if strings.ContainsAny(s, `\/`) {
		parts := strings.Split(strings.ReplaceAll(s, `\`, "/"), "/")
		if len(parts) > 2 || (len(parts) == 2 && parts[0] != "") {
			s = strings.Join(parts[len(parts)-2:], "/")
		}
	}
	return s
}

// shortenURL collapses a URL to its domain plus up to two path segments,
// capped at 50 runes of path. Unparseable input is returned unchanged.
func (h *Heuristics) shortenURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	path := u.Path
	if u.Opaque != "" {
		path = u.Opaque
	}
	if u.Host != "" {
		domain := h.wwwPrefix.ReplaceAllString(u.Host, "")
		short := joinFirstSegments(path, 3)
		if short != "" && short != "/" {
			return domain + capRunes(short, 50)
		}
		return domain
	}

	// Scheme-less input lands entirely in the path; its first segment is
	// the domain.
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		return joinFirstSegments(path, 3)
	}
	domain := h.wwwPrefix.ReplaceAllString(parts[0], "")
	if len(parts) > 1 {
		rest := parts[1:]
		if len(rest) > 2 {
			rest = rest[:2]
		}
		if short := "/" + strings.Join(rest, "/"); short != "/" {
			return domain + capRunes(short, 50)
		}
	}
	return domain
}

// rightmostSeparator finds the separator with the greatest last position in
// the title. Separators are tried in configured order and a later candidate
// wins only with a strictly greater position; position zero counts as
// not found.
func rightmostSeparator(title string, separators []string) (sep string, pos int) {
	pos = -1
	for _, cand := range separators {
		if idx := strings.LastIndex(title, cand); idx > pos {
			sep, pos = cand, idx
		}
	}
	if pos <= 0 {
		return "", -1
	}
	return sep, pos
}

// splitPathTitle splits on the rightmost path separator, accepting both
// Windows and POSIX forms.
func splitPathTitle(s string) (dir, file string) {
	idx := strings.LastIndexAny(s, `\/`)
	if idx < 0 {
		return "", s
	}
	return s[:idx], s[idx+1:]
}

func joinFirstSegments(path string, n int) string {
	parts := strings.Split(path, "/")
	if len(parts) > n {
		parts = parts[:n]
	}
	return strings.Join(parts, "/")
}

func capRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func trimmedString(r gjson.Result) string {
	if r.Type != gjson.String {
		return ""
	}
	return strings.TrimSpace(r.Str)
}

func floatPtr(r gjson.Result) *float64 {
	if r.Type != gjson.Number {
		return nil
	}
	v := r.Num
	return &v
}

// flattenModifiers renders the snapshot's modifier keys. Lists are joined
// with "+"; plain strings pass through; anything else is empty.
func flattenModifiers(r gjson.Result) string {
	switch {
	case r.Type == gjson.String:
		return r.Str
	case r.IsArray():
		var parts []string
		for _, elem := range r.Array() {
			if elem.Type == gjson.String {
				parts = append(parts, elem.Str)
			}
		}
		return strings.Join(parts, "+")
	default:
		return ""
	}
}

// snapshotTimestamp keeps string timestamps verbatim and renders numeric
// ones; other types are empty.
func snapshotTimestamp(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number:
		return r.String()
	default:
		return ""
	}
}

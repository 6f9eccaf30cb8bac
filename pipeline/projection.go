package pipeline

import (
	"strconv"
	"strings"
)

// ContextRow is the unit of tabular output: one BaseEvent joined with one
// extracted WindowContext. Bookkeeping fields (batch id, related file,
// per-batch counter, the raw pre-cleaning title and the raw environment
// string) are deliberately absent.
type ContextRow struct {
	ID           int64  `json:"id"`
	UserID       string `json:"user_id"`
	Timestamp    string `json:"timestamp"`
	EventType    string `json:"event_type"`
	RecordID     string `json:"record_id"`
	EventContext string `json:"event_context"`

	RootApp     string `json:"root_app"`
	TabTitle    string `json:"tab_title"`
	Classname   string `json:"classname"`
	ProcessPath string `json:"process_path"`
	IsActive    bool   `json:"is_active"`
	ZIndex      int64  `json:"z_index"`

	WindowLeft   *float64 `json:"window_left"`
	WindowTop    *float64 `json:"window_top"`
	WindowRight  *float64 `json:"window_right"`
	WindowBottom *float64 `json:"window_bottom"`

	MouseX            *float64 `json:"mouse_x"`
	MouseY            *float64 `json:"mouse_y"`
	Modifiers         string   `json:"modifiers"`
	SnapshotTimestamp string   `json:"snapshot_timestamp"`
}

// ExtractStats counts how each event of a projection run was resolved.
// Empty environments, decode failures and windowless snapshots stay
// distinguishable downstream.
type ExtractStats struct {
	Events           int `json:"events"`
	EmptyEnvironment int `json:"empty_environment"`
	DecodeFailures   int `json:"decode_failures"`
	NoWindows        int `json:"no_windows"`
	WindowRows       int `json:"window_rows"`
	FilteredRootApp  int `json:"filtered_root_app"`
}

// Add folds the counts of another run fragment into s.
func (s *ExtractStats) Add(o ExtractStats) {
	s.Events += o.Events
	s.EmptyEnvironment += o.EmptyEnvironment
	s.DecodeFailures += o.DecodeFailures
	s.NoWindows += o.NoWindows
	s.WindowRows += o.WindowRows
	s.FilteredRootApp += o.FilteredRootApp
}

// ProjectEvent extracts the window contexts of a single event and joins them
// into rows. An event whose environment fails to decode, is blank, or holds
// no windows contributes zero rows; rows without a root_app are filtered.
// Windows come out topmost first.
func ProjectEvent(ev BaseEvent, h *Heuristics) ([]ContextRow, ExtractStats) {
	stats := ExtractStats{Events: 1}

	if strings.TrimSpace(ev.Environment) == "" {
		stats.EmptyEnvironment++
		return nil, stats
	}
	contexts, err := ExtractWindowContexts(ev.Environment, h)
	if err != nil {
		stats.DecodeFailures++
		return nil, stats
	}
	if len(contexts) == 0 {
		stats.NoWindows++
		return nil, stats
	}

	var rows []ContextRow
	for _, w := range contexts {
		if w.RootApp == "" {
			stats.FilteredRootApp++
			continue
		}
		rows = append(rows, mergeRow(ev, w))
		stats.WindowRows++
	}
	return rows, stats
}

// BuildContextRows runs ProjectEvent over every event and concatenates the
// results. Row order follows event order.
func BuildContextRows(events []BaseEvent, h *Heuristics) ([]ContextRow, ExtractStats) {
	rows := []ContextRow{}
	var stats ExtractStats

	for _, ev := range events {
		evRows, evStats := ProjectEvent(ev, h)
		rows = append(rows, evRows...)
		stats.Add(evStats)
	}
	return rows, stats
}

func mergeRow(ev BaseEvent, w WindowContext) ContextRow {
	return ContextRow{
		ID:           ev.ID,
		UserID:       ev.UserID,
		Timestamp:    ev.Timestamp,
		EventType:    ev.EventType,
		RecordID:     ev.RecordID,
		EventContext: ev.EventContext,

		RootApp:     w.RootApp,
		TabTitle:    w.TabTitle,
		Classname:   w.Classname,
		ProcessPath: w.ProcessPath,
		IsActive:    w.IsActive,
		ZIndex:      w.ZIndex,

		WindowLeft:   w.WindowLeft,
		WindowTop:    w.WindowTop,
		WindowRight:  w.WindowRight,
		WindowBottom: w.WindowBottom,

		MouseX:            w.MouseX,
		MouseY:            w.MouseY,
		Modifiers:         w.Modifiers,
		SnapshotTimestamp: w.SnapshotTimestamp,
	}
}

// ContextRowColumns is the column order of tabular sinks.
func ContextRowColumns() []string {
	return []string{
		"id", "user_id", "timestamp", "event_type", "record_id", "event_context",
		"root_app", "tab_title", "classname", "process_path", "is_active", "z_index",
		"window_left", "window_top", "window_right", "window_bottom",
		"mouse_x", "mouse_y", "modifiers", "snapshot_timestamp",
	}
}

// Record renders the row in ContextRowColumns order. Absent geometry and
// mouse values render as empty cells.
func (r ContextRow) Record() []string {
	return []string{
		strconv.FormatInt(r.ID, 10),
		r.UserID,
		r.Timestamp,
		r.EventType,
		r.RecordID,
		r.EventContext,
		r.RootApp,
		r.TabTitle,
		r.Classname,
		r.ProcessPath,
		strconv.FormatBool(r.IsActive),
		strconv.FormatInt(r.ZIndex, 10),
		formatOptionalFloat(r.WindowLeft),
		formatOptionalFloat(r.WindowTop),
		formatOptionalFloat(r.WindowRight),
		formatOptionalFloat(r.WindowBottom),
		formatOptionalFloat(r.MouseX),
		formatOptionalFloat(r.MouseY),
		r.Modifiers,
		r.SnapshotTimestamp,
	}
}

func formatOptionalFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

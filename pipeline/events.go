package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/tidwall/gjson"

	"github.com/manuspect/envscope/pipeline/fileutils"
)

// BaseEvent is one logged desktop action. Scalar fields are coerced
// permissively on decode: a missing or malformed field gets its documented
// default and never fails the event.
type BaseEvent struct {
	ID               int64  `json:"id"`
	BatchID          int64  `json:"batch_id"`
	UserID           string `json:"user_id"`
	Timestamp        string `json:"timestamp"`
	EventType        string `json:"event_type"`
	RecordID         string `json:"record_id"`
	RelatedFile      string `json:"related_file"`
	LogRecordCounter int64  `json:"log_record_counter"`
	EventContext     string `json:"event_context"`

	// Environment is a JSON-encoded string (not a nested object); it is
	// decoded on demand by ExtractWindowContexts.
	Environment string `json:"environment"`
}

// AudioEvent is the audio-recording side channel of a batch. Only the id is
// carried through; audio payloads live outside the event log.
type AudioEvent struct {
	ID int64 `json:"id"`
}

// FieldWarning records one coercion fallback during event decoding.
type FieldWarning struct {
	List   string `json:"list"`
	Index  int    `json:"index"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (w FieldWarning) String() string {
	return fmt.Sprintf("%s[%d].%s: %s", w.List, w.Index, w.Field, w.Reason)
}

// EventRoot is the decoded top level of one batch file.
type EventRoot struct {
	BaseEvents  []BaseEvent
	AudioEvents []AudioEvent

	// Warnings lists every field/element that fell back to a default.
	Warnings []FieldWarning
}

// DecodeEventRoot decodes one batch file payload. It fails only when the
// payload is not a JSON object; inside the object every list element and
// scalar field is decoded independently, with fallbacks recorded as
// warnings rather than errors.
func DecodeEventRoot(data []byte) (*EventRoot, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("DecodeEventRoot: empty input")
	}
	if !gjson.ValidBytes(data) {
		return nil, errors.New("DecodeEventRoot: invalid JSON")
	}
	top := gjson.ParseBytes(data)
	if !top.IsObject() {
		return nil, fmt.Errorf("DecodeEventRoot: top-level JSON is %v, want object", top.Type)
	}

	root := &EventRoot{
		BaseEvents:  []BaseEvent{},
		AudioEvents: []AudioEvent{},
	}

	root.Warnings = append(root.Warnings, eachListElement(data, "base_events", func(elem []byte, idx int) []FieldWarning {
		ev, warns := decodeBaseEvent(elem, idx)
		root.BaseEvents = append(root.BaseEvents, ev)
		return warns
	})...)

	root.Warnings = append(root.Warnings, eachListElement(data, "audio_events", func(elem []byte, idx int) []FieldWarning {
		ev, warns := decodeAudioEvent(elem, idx)
		root.AudioEvents = append(root.AudioEvents, ev)
		return warns
	})...)

	return root, nil
}

// eachListElement streams the named top-level array, handing each
// object-typed element to fn. Non-object elements and a present-but-non-array
// key produce warnings; an absent key is silently an empty list.
func eachListElement(data []byte, key string, fn func(elem []byte, idx int) []FieldWarning) []FieldWarning {
	var warns []FieldWarning
	idx := -1
	_, err := jsonparser.ArrayEach(data, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
		idx++
		if dataType != jsonparser.Object {
			warns = append(warns, FieldWarning{
				List:   key,
				Index:  idx,
				Field:  "",
				Reason: fmt.Sprintf("element is %s, want object; skipped", dataType),
			})
			return
		}
		warns = append(warns, fn(value, idx)...)
	}, key)
	if err != nil {
		if errors.Is(err, jsonparser.KeyPathNotFoundError) {
			return warns
		}
		warns = append(warns, FieldWarning{
			List:   key,
			Index:  -1,
			Field:  "",
			Reason: fmt.Sprintf("key is not an array: %v", err),
		})
	}
	return warns
}

func decodeBaseEvent(elem []byte, idx int) (BaseEvent, []FieldWarning) {
	var warns []FieldWarning
	num := func(field string) int64 {
		v, reason := coerceInt(gjson.GetBytes(elem, field))
		if reason != "" {
			warns = append(warns, FieldWarning{List: "base_events", Index: idx, Field: field, Reason: reason})
		}
		return v
	}
	str := func(field string) string {
		v, reason := coerceString(gjson.GetBytes(elem, field))
		if reason != "" {
			warns = append(warns, FieldWarning{List: "base_events", Index: idx, Field: field, Reason: reason})
		}
		return v
	}

	ev := BaseEvent{
		ID:               num("id"),
		BatchID:          num("batch_id"),
		UserID:           str("user_id"),
		Timestamp:        str("timestamp"),
		EventType:        str("event_type"),
		RecordID:         str("record_id"),
		RelatedFile:      str("related_file"),
		LogRecordCounter: num("log_record_counter"),
		EventContext:     str("event_context"),
		Environment:      str("environment"),
	}
	return ev, warns
}

func decodeAudioEvent(elem []byte, idx int) (AudioEvent, []FieldWarning) {
	var warns []FieldWarning
	v, reason := coerceInt(gjson.GetBytes(elem, "id"))
	if reason != "" {
		warns = append(warns, FieldWarning{List: "audio_events", Index: idx, Field: "id", Reason: reason})
	}
	return AudioEvent{ID: v}, warns
}

// coerceInt maps a JSON value to int64. Numbers are truncated toward zero;
// integer-formatted strings are accepted. Everything else yields -1 and a
// non-empty reason. A missing value is the default without a warning.
func coerceInt(r gjson.Result) (int64, string) {
	if !r.Exists() {
		return -1, ""
	}
	switch r.Type {
	case gjson.Number:
		return r.Int(), ""
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v, ""
		}
		return -1, fmt.Sprintf("cannot parse %q as integer", fileutils.Truncate(r.Str, 40))
	case gjson.Null:
		return -1, "null value"
	default:
		return -1, fmt.Sprintf("unexpected %v value", r.Type)
	}
}

// coerceString maps a JSON value to string. Only JSON strings are accepted;
// any other present type yields "" and a non-empty reason.
func coerceString(r gjson.Result) (string, string) {
	if !r.Exists() {
		return "", ""
	}
	if r.Type == gjson.String {
		return r.Str, ""
	}
	return "", fmt.Sprintf("expected string, got %v", r.Type)
}

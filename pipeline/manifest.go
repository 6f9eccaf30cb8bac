package pipeline

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/manuspect/envscope/pipeline/fileutils"
)

// RunManifest summarizes one pipeline run: where the input came from, how
// loading and extraction went, and which artifacts were written. It is the
// run's machine-readable receipt.
type RunManifest struct {
	RunID     string `json:"run_id"`
	CreatedAt string `json:"created_at"`
	SourceDir string `json:"source_dir"`

	FilesLoaded  int        `json:"files_loaded"`
	FilesSkipped int        `json:"files_skipped"`
	Skips        []FileSkip `json:"skips,omitempty"`

	FieldWarnings int          `json:"field_warnings"`
	AudioEvents   int          `json:"audio_events"`
	Extract       ExtractStats `json:"extract"`
	Rows          int          `json:"rows"`

	// Snapshot span in ISO form, derived from numeric snapshot timestamps.
	FirstSnapshot string `json:"first_snapshot,omitempty"`
	LastSnapshot  string `json:"last_snapshot,omitempty"`

	Outputs []string `json:"outputs,omitempty"`
}

// BuildRunManifest assembles the manifest for one finished run.
func BuildRunManifest(runID, sourceDir string, load LoadResult, stats ExtractStats, rows []ContextRow) RunManifest {
	m := RunManifest{
		RunID:         runID,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		SourceDir:     sourceDir,
		FilesLoaded:   len(load.Batches),
		FilesSkipped:  len(load.Skips),
		Skips:         load.Skips,
		FieldWarnings: load.WarningCount(),
		AudioEvents:   len(load.AllAudioEvents()),
		Extract:       stats,
		Rows:          len(rows),
	}

	var first, last *float64
	for _, r := range rows {
		sec := parseSnapshotSeconds(r.SnapshotTimestamp)
		if sec == nil {
			continue
		}
		if first == nil || *sec < *first {
			first = sec
		}
		if last == nil || *sec > *last {
			last = sec
		}
	}
	m.FirstSnapshot = unixSecondsISO8601(first)
	m.LastSnapshot = unixSecondsISO8601(last)
	return m
}

// WriteRunManifest writes the manifest as pretty JSON, atomically.
func WriteRunManifest(path string, m RunManifest) error {
	if path == "" {
		return errors.New("WriteRunManifest: path is empty")
	}
	return fileutils.WriteJSONFileAtomic(path, m, true)
}

// RowSchema returns a closed JSON schema for ContextRow. Every column is
// required and unknown columns are rejected, so downstream loaders can
// validate row files strictly.
func RowSchema() (map[string]interface{}, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	schema := reflector.Reflect(ContextRow{})
	obj, err := schemaToMap(schema)
	if err != nil {
		return nil, err
	}
	closeSchema(obj)
	return obj, nil
}

// WriteRowSchema writes the ContextRow schema as pretty JSON, atomically.
func WriteRowSchema(path string) error {
	if path == "" {
		return errors.New("WriteRowSchema: path is empty")
	}
	obj, err := RowSchema()
	if err != nil {
		return err
	}
	return fileutils.WriteJSONFileAtomic(path, obj, true)
}

func schemaToMap(schema *jsonschema.Schema) (map[string]interface{}, error) {
	b, err := schema.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

const (
	propertiesKey           = "properties"
	additionalPropertiesKey = "additionalProperties"
	typeKey                 = "type"
	requiredKey             = "required"
	itemsKey                = "items"
)

// closeSchema marks every object schema closed and all of its properties
// required, recursively. Row consumers treat unknown or absent columns as
// corruption rather than extension points.
func closeSchema(schema map[string]interface{}) {
	if schemaType, ok := schema[typeKey].(string); ok && schemaType == "object" {
		schema[additionalPropertiesKey] = false

		if properties, ok := schema[propertiesKey].(map[string]interface{}); ok {
			var requiredFields []string
			for propName := range properties {
				requiredFields = append(requiredFields, propName)
			}
			if len(requiredFields) > 0 {
				// Sorted so the emitted schema file is reproducible.
				sort.Strings(requiredFields)
				schema[requiredKey] = requiredFields
			}
		}
	}

	if properties, ok := schema[propertiesKey].(map[string]interface{}); ok {
		for _, prop := range properties {
			if propMap, ok := prop.(map[string]interface{}); ok {
				closeSchema(propMap)
			}
		}
	}

	if items, ok := schema[itemsKey].(map[string]interface{}); ok {
		closeSchema(items)
	}

	if additionalProps, ok := schema[additionalPropertiesKey].(map[string]interface{}); ok {
		closeSchema(additionalProps)
	}
}

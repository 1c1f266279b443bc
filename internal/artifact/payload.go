package artifact

import (
	"encoding/json"
	"fmt"

	"github.com/tabulate-labs/tabulator/internal/registry"
)

// ValidationError reports stage-specific schema failures with field detail so
// the UI can highlight the offending inputs.
type ValidationError struct {
	Stage  registry.StageID
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("artifact payload for stage %q failed validation (%d fields)", e.Stage, len(e.Fields))
}

// SourceFiles and SourceProfile are the two variants of the selection union.
const (
	SourceFiles   = "files"
	SourceProfile = "profile"
)

// FileEntry is one selected source file.
type FileEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size,omitempty"`
}

// SelectionPayload is the artifact of the selection stage: either an explicit
// file list or a reference to a configured profile.
type SelectionPayload struct {
	Source  string      `json:"source"`
	Files   []FileEntry `json:"files,omitempty"`
	Profile string      `json:"profile,omitempty"`
}

// TableMeta describes one table found during discovery.
type TableMeta struct {
	File  string `json:"file"`
	Name  string `json:"name"`
	Sheet string `json:"sheet,omitempty"`
}

// DiscoveryPayload is the artifact of the discovery stage.
type DiscoveryPayload struct {
	Tables []TableMeta `json:"tables"`
}

// AvailabilityPayload is the artifact of the table_availability stage. Tables
// in Missing were expected but not found; they become artifact warnings.
type AvailabilityPayload struct {
	Available []string `json:"available"`
	Missing   []string `json:"missing,omitempty"`
}

// ContextPayload is the artifact of the context stage.
type ContextPayload struct {
	Profile  string            `json:"profile,omitempty"`
	Mappings map[string]string `json:"mappings,omitempty"`
}

// TableSelectionPayload is the artifact of the table_selection stage.
type TableSelectionPayload struct {
	Selected []string `json:"selected"`
}

// PreviewPayload is the artifact of the preview stage.
type PreviewPayload struct {
	SampledRows int             `json:"sampled_rows"`
	Tables      []TablePreview  `json:"tables,omitempty"`
	Notes       json.RawMessage `json:"notes,omitempty"`
}

// TablePreview holds a sample of rows for one table.
type TablePreview struct {
	Name string     `json:"name"`
	Rows [][]string `json:"rows,omitempty"`
}

// ParsePayload is the artifact of the parse stage.
type ParsePayload struct {
	RowCount int          `json:"row_count"`
	Tables   []TableCount `json:"tables,omitempty"`
}

// TableCount is the per-table row count produced by parsing.
type TableCount struct {
	Name string `json:"name"`
	Rows int    `json:"rows"`
}

// ExportPayload is the artifact of the export stage.
type ExportPayload struct {
	Format    string `json:"format"`
	DatasetID string `json:"dataset_id"`
}

var exportFormats = map[string]bool{
	"csv":     true,
	"json":    true,
	"parquet": true,
}

// Validate checks a raw payload against the stage's schema and returns the
// artifact kind plus any non-fatal warnings to carry on the ref.
func Validate(stage registry.StageID, payload []byte) (Kind, []string, error) {
	switch stage {
	case registry.StageSelection:
		return validateSelection(payload)
	case registry.StageDiscovery:
		return validateDiscovery(payload)
	case registry.StageTableAvailability:
		return validateAvailability(payload)
	case registry.StageContext:
		return validateContext(payload)
	case registry.StageTableSelection:
		return validateTableSelection(payload)
	case registry.StagePreview:
		return validatePreview(payload)
	case registry.StageParse:
		return validateParse(payload)
	case registry.StageExport:
		return validateExport(payload)
	default:
		// Stages added via a pipeline override file carry opaque payloads.
		if !json.Valid(payload) {
			return "", nil, &ValidationError{Stage: stage, Fields: map[string]string{"payload": "must be valid JSON"}}
		}
		return KindFileBased, nil, nil
	}
}

// Default returns the placeholder payload installed when an optional stage is
// skipped.
func Default(stage registry.StageID) []byte {
	switch stage {
	case registry.StageContext:
		b, _ := json.Marshal(ContextPayload{Mappings: map[string]string{}})
		return b
	case registry.StagePreview:
		b, _ := json.Marshal(PreviewPayload{SampledRows: 0})
		return b
	default:
		return []byte(`{}`)
	}
}

func validateSelection(payload []byte) (Kind, []string, error) {
	var p SelectionPayload
	if err := decodeStrict(payload, &p); err != nil {
		return "", nil, &ValidationError{Stage: registry.StageSelection, Fields: map[string]string{"payload": err.Error()}}
	}

	fields := map[string]string{}
	switch p.Source {
	case SourceFiles:
		if len(p.Files) == 0 {
			fields["files"] = "at least one file is required"
		}
		for i, f := range p.Files {
			if f.Path == "" {
				fields[fmt.Sprintf("files[%d].path", i)] = "path is required"
			}
		}
		if len(fields) > 0 {
			return "", nil, &ValidationError{Stage: registry.StageSelection, Fields: fields}
		}
		return KindFileBased, nil, nil
	case SourceProfile:
		if p.Profile == "" {
			fields["profile"] = "profile name is required"
			return "", nil, &ValidationError{Stage: registry.StageSelection, Fields: fields}
		}
		return KindProfileBased, nil, nil
	default:
		fields["source"] = `must be "files" or "profile"`
		return "", nil, &ValidationError{Stage: registry.StageSelection, Fields: fields}
	}
}

func validateDiscovery(payload []byte) (Kind, []string, error) {
	var p DiscoveryPayload
	if err := decodeStrict(payload, &p); err != nil {
		return "", nil, &ValidationError{Stage: registry.StageDiscovery, Fields: map[string]string{"payload": err.Error()}}
	}

	fields := map[string]string{}
	for i, t := range p.Tables {
		if t.Name == "" {
			fields[fmt.Sprintf("tables[%d].name", i)] = "name is required"
		}
		if t.File == "" {
			fields[fmt.Sprintf("tables[%d].file", i)] = "file is required"
		}
	}
	if len(fields) > 0 {
		return "", nil, &ValidationError{Stage: registry.StageDiscovery, Fields: fields}
	}

	var warnings []string
	if len(p.Tables) == 0 {
		warnings = append(warnings, "no tables discovered in the selected files")
	}
	return KindFileBased, warnings, nil
}

func validateAvailability(payload []byte) (Kind, []string, error) {
	var p AvailabilityPayload
	if err := decodeStrict(payload, &p); err != nil {
		return "", nil, &ValidationError{Stage: registry.StageTableAvailability, Fields: map[string]string{"payload": err.Error()}}
	}

	if len(p.Available) == 0 && len(p.Missing) == 0 {
		return "", nil, &ValidationError{Stage: registry.StageTableAvailability, Fields: map[string]string{
			"available": "at least one available or missing table must be reported",
		}}
	}

	var warnings []string
	for _, name := range p.Missing {
		warnings = append(warnings, fmt.Sprintf("expected table %q was not found", name))
	}
	return KindFileBased, warnings, nil
}

func validateContext(payload []byte) (Kind, []string, error) {
	var p ContextPayload
	if err := decodeStrict(payload, &p); err != nil {
		return "", nil, &ValidationError{Stage: registry.StageContext, Fields: map[string]string{"payload": err.Error()}}
	}
	if p.Profile != "" {
		return KindProfileBased, nil, nil
	}
	return KindFileBased, nil, nil
}

func validateTableSelection(payload []byte) (Kind, []string, error) {
	var p TableSelectionPayload
	if err := decodeStrict(payload, &p); err != nil {
		return "", nil, &ValidationError{Stage: registry.StageTableSelection, Fields: map[string]string{"payload": err.Error()}}
	}
	if len(p.Selected) == 0 {
		return "", nil, &ValidationError{Stage: registry.StageTableSelection, Fields: map[string]string{
			"selected": "at least one table must be selected",
		}}
	}
	return KindFileBased, nil, nil
}

func validatePreview(payload []byte) (Kind, []string, error) {
	var p PreviewPayload
	if err := decodeStrict(payload, &p); err != nil {
		return "", nil, &ValidationError{Stage: registry.StagePreview, Fields: map[string]string{"payload": err.Error()}}
	}
	if p.SampledRows < 0 {
		return "", nil, &ValidationError{Stage: registry.StagePreview, Fields: map[string]string{
			"sampled_rows": "must not be negative",
		}}
	}
	return KindFileBased, nil, nil
}

func validateParse(payload []byte) (Kind, []string, error) {
	var p ParsePayload
	if err := decodeStrict(payload, &p); err != nil {
		return "", nil, &ValidationError{Stage: registry.StageParse, Fields: map[string]string{"payload": err.Error()}}
	}
	if p.RowCount < 0 {
		return "", nil, &ValidationError{Stage: registry.StageParse, Fields: map[string]string{
			"row_count": "must not be negative",
		}}
	}

	var warnings []string
	if p.RowCount == 0 {
		warnings = append(warnings, "parse produced zero rows")
	}
	return KindFileBased, warnings, nil
}

func validateExport(payload []byte) (Kind, []string, error) {
	var p ExportPayload
	if err := decodeStrict(payload, &p); err != nil {
		return "", nil, &ValidationError{Stage: registry.StageExport, Fields: map[string]string{"payload": err.Error()}}
	}

	fields := map[string]string{}
	if !exportFormats[p.Format] {
		fields["format"] = "must be one of: csv, json, parquet"
	}
	if p.DatasetID == "" {
		fields["dataset_id"] = "dataset_id is required"
	}
	if len(fields) > 0 {
		return "", nil, &ValidationError{Stage: registry.StageExport, Fields: fields}
	}
	return KindFileBased, nil, nil
}

func decodeStrict(payload []byte, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload is empty")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid JSON: %v", err)
	}
	return nil
}

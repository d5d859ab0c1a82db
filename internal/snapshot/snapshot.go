// Package snapshot converts between the live sequencer document and its canonical wire form.
package snapshot

import (
	"errors"
	"fmt"
)

// CurrentSchemaVersion is written by Export and assumed for payloads that omit it.
const CurrentSchemaVersion = 1

// ErrSerialization is the sentinel matched by every SerializationError.
var ErrSerialization = errors.New("snapshot: serialization failed")

// SerializationError reports a document that cannot be exported or a snapshot that cannot be imported.
type SerializationError struct {
	Operation string
	Err       error
}

func (e *SerializationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("snapshot: %s failed", e.Operation)
	}
	return fmt.Sprintf("snapshot: %s failed: %v", e.Operation, e.Err)
}

func (e *SerializationError) Unwrap() []error {
	return []error{ErrSerialization, e.Err}
}

// Snapshot is the canonical serialized project.
type Snapshot struct {
	SchemaVersion int    `json:"schema_version"`
	Source        Source `json:"source"`

	warnings []string
}

// Source groups the table and the sample bank.
type Source struct {
	Table      Table      `json:"table"`
	SampleBank SampleBank `json:"sample_bank"`
}

// Table is the sectioned cell grid.
type Table struct {
	Sections   []Section `json:"sections"`
	Layers     [][]Layer `json:"layers"`
	TableCells [][]*Cell `json:"table_cells"`
}

type Section struct {
	NumSteps  int `json:"num_steps"`
	StartStep int `json:"start_step"`
}

type Layer struct {
	Len int `json:"len"`
}

// Cell is a populated table position. Empty positions are encoded as null.
type Cell struct {
	SampleSlot int     `json:"sample_slot"`
	Volume     float64 `json:"volume"`
	Pitch      float64 `json:"pitch"`
}

type SampleBank struct {
	Samples []Sample `json:"samples"`
}

type Sample struct {
	Color Color  `json:"color"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
}

type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// UnmarshalJSON decodes tolerantly; problems are kept as warnings instead of failing.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	decoded, warnings := Decode(data)
	*s = decoded
	s.warnings = warnings
	return nil
}

// Warnings lists the defaults applied when the snapshot was decoded.
func (s Snapshot) Warnings() []string {
	return append([]string(nil), s.warnings...)
}

// Rows returns the number of cell rows.
func (s Snapshot) Rows() int {
	return len(s.Source.Table.TableCells)
}

// TotalSteps returns the sum of section step counts.
func (s Snapshot) TotalSteps() int {
	total := 0
	for _, section := range s.Source.Table.Sections {
		total += section.NumSteps
	}
	return total
}

// IsEmpty reports whether the snapshot carries no sections and no samples.
func (s Snapshot) IsEmpty() bool {
	return len(s.Source.Table.Sections) == 0 && len(s.Source.SampleBank.Samples) == 0
}

// Clone returns an independent deep copy.
func (s Snapshot) Clone() Snapshot {
	clone := Snapshot{SchemaVersion: s.SchemaVersion, warnings: s.Warnings()}
	clone.Source.Table.Sections = append([]Section(nil), s.Source.Table.Sections...)
	clone.Source.Table.Layers = make([][]Layer, len(s.Source.Table.Layers))
	for index, layers := range s.Source.Table.Layers {
		clone.Source.Table.Layers[index] = append([]Layer(nil), layers...)
	}
	clone.Source.Table.TableCells = make([][]*Cell, len(s.Source.Table.TableCells))
	for rowIndex, row := range s.Source.Table.TableCells {
		clone.Source.Table.TableCells[rowIndex] = make([]*Cell, len(row))
		for column, cell := range row {
			if cell != nil {
				value := *cell
				clone.Source.Table.TableCells[rowIndex][column] = &value
			}
		}
	}
	clone.Source.SampleBank.Samples = append([]Sample(nil), s.Source.SampleBank.Samples...)
	return clone
}

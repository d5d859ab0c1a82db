package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/sequencer"
)

type object map[string]json.RawMessage

// Decode parses a snapshot payload without failing. Absent or malformed fields resolve to defaults
// and each applied default is reported as a warning. The result is normalized.
func Decode(data []byte) (Snapshot, []string) {
	decoder := &tolerantDecoder{}
	decoded := decoder.snapshot(data)
	normalized, repairs := Normalize(decoded)
	return normalized, append(decoder.warnings, repairs...)
}

// Empty returns the snapshot of a project with no sections and no samples.
func Empty() Snapshot {
	return Snapshot{
		SchemaVersion: CurrentSchemaVersion,
		Source: Source{
			Table: Table{
				Sections:   []Section{},
				Layers:     [][]Layer{},
				TableCells: emptyRows(sequencer.DefaultRows, 0),
			},
			SampleBank: SampleBank{Samples: []Sample{}},
		},
	}
}

type tolerantDecoder struct {
	warnings []string
}

func (d *tolerantDecoder) warn(format string, args ...any) {
	d.warnings = append(d.warnings, fmt.Sprintf(format, args...))
}

func (d *tolerantDecoder) snapshot(data []byte) Snapshot {
	result := Empty()
	root, ok := d.object(data, "snapshot")
	if !ok {
		return result
	}
	if version, present := root["schema_version"]; present {
		if value, valid := decodeInt(version); valid && value > 0 {
			result.SchemaVersion = value
		} else {
			d.warn("schema_version is malformed, assuming %d", CurrentSchemaVersion)
		}
	}
	source, ok := d.field(root, "source")
	if !ok {
		return result
	}
	if table, ok := d.field(source, "table"); ok {
		result.Source.Table = d.table(table)
	}
	if bank, ok := d.field(source, "sample_bank"); ok {
		result.Source.SampleBank.Samples = d.samples(bank)
	}
	return result
}

func (d *tolerantDecoder) table(table object) Table {
	result := Table{Sections: []Section{}, Layers: [][]Layer{}}
	if raw, ok := d.array(table, "sections", "table"); ok {
		for index, item := range raw {
			result.Sections = append(result.Sections, d.section(index, item))
		}
	}
	if raw, ok := d.array(table, "layers", "table"); ok {
		for index, item := range raw {
			result.Layers = append(result.Layers, d.layers(index, item))
		}
	}
	if raw, ok := d.array(table, "table_cells", "table"); ok {
		for rowIndex, item := range raw {
			result.TableCells = append(result.TableCells, d.row(rowIndex, item))
		}
	}
	return result
}

func (d *tolerantDecoder) section(index int, raw json.RawMessage) Section {
	section := Section{NumSteps: sequencer.DefaultSectionSteps}
	fields, ok := d.object(raw, fmt.Sprintf("section %d", index))
	if !ok {
		return section
	}
	if value, valid := decodeInt(fields["num_steps"]); valid && value > 0 {
		section.NumSteps = value
	} else {
		d.warn("section %d num_steps missing or invalid, using %d", index, sequencer.DefaultSectionSteps)
	}
	if value, valid := decodeInt(fields["start_step"]); valid {
		section.StartStep = value
	}
	return section
}

func (d *tolerantDecoder) layers(index int, raw json.RawMessage) []Layer {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		d.warn("layers of section %d are not a list", index)
		return nil
	}
	layers := make([]Layer, 0, len(items))
	for layerIndex, item := range items {
		fields, ok := d.object(item, fmt.Sprintf("layer %d of section %d", index, layerIndex))
		if !ok {
			continue
		}
		value, valid := decodeInt(fields["len"])
		if !valid || value < 0 {
			d.warn("layer %d of section %d has no valid len", layerIndex, index)
			continue
		}
		layers = append(layers, Layer{Len: value})
	}
	return layers
}

func (d *tolerantDecoder) row(rowIndex int, raw json.RawMessage) []*Cell {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		d.warn("row %d is not a list", rowIndex)
		return []*Cell{}
	}
	row := make([]*Cell, len(items))
	for column, item := range items {
		if isNull(item) {
			continue
		}
		fields, ok := d.object(item, fmt.Sprintf("cell %d/%d", rowIndex, column))
		if !ok {
			continue
		}
		slot, valid := decodeInt(fields["sample_slot"])
		if !valid {
			d.warn("cell %d/%d has no valid sample_slot", rowIndex, column)
			continue
		}
		cell := &Cell{SampleSlot: slot, Volume: sequencer.DefaultVolume, Pitch: sequencer.DefaultPitch}
		if value, present := decodeFloat(fields["volume"]); present {
			cell.Volume = value
		}
		if value, present := decodeFloat(fields["pitch"]); present {
			cell.Pitch = value
		}
		row[column] = cell
	}
	return row
}

func (d *tolerantDecoder) samples(bank object) []Sample {
	samples := []Sample{}
	raw, ok := d.array(bank, "samples", "sample_bank")
	if !ok {
		return samples
	}
	for index, item := range raw {
		fields, ok := d.object(item, fmt.Sprintf("sample %d", index))
		if !ok {
			samples = append(samples, Sample{})
			continue
		}
		sample := Sample{}
		if color, present := fields["color"]; present {
			if err := json.Unmarshal(color, &sample.Color); err != nil {
				d.warn("sample %d color is malformed", index)
				sample.Color = Color{}
			}
		} else {
			d.warn("sample %d has no color", index)
		}
		_ = json.Unmarshal(fields["id"], &sample.ID)
		_ = json.Unmarshal(fields["name"], &sample.Name)
		samples = append(samples, sample)
	}
	return samples
}

func (d *tolerantDecoder) object(raw json.RawMessage, label string) (object, bool) {
	if len(bytes.TrimSpace(raw)) == 0 || isNull(raw) {
		d.warn("%s is missing", label)
		return nil, false
	}
	var fields object
	if err := json.Unmarshal(raw, &fields); err != nil {
		d.warn("%s is not an object", label)
		return nil, false
	}
	return fields, true
}

func (d *tolerantDecoder) field(parent object, name string) (object, bool) {
	return d.object(parent[name], name)
}

func (d *tolerantDecoder) array(parent object, name, owner string) ([]json.RawMessage, bool) {
	raw, present := parent[name]
	if !present || isNull(raw) {
		d.warn("%s.%s is missing", owner, name)
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		d.warn("%s.%s is not a list", owner, name)
		return nil, false
	}
	return items, true
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func decodeInt(raw json.RawMessage) (int, bool) {
	value, ok := decodeFloat(raw)
	if !ok || value != math.Trunc(value) || math.Abs(value) > math.MaxInt32 {
		return 0, false
	}
	return int(value), true
}

func decodeFloat(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var value float64
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0, false
	}
	return value, true
}

func emptyRows(rows, columns int) [][]*Cell {
	table := make([][]*Cell, rows)
	for index := range table {
		table[index] = make([]*Cell, columns)
	}
	return table
}

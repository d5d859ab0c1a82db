package snapshot

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/sequencer"
)

// Normalize repairs legacy payloads so that they satisfy the document invariants: start steps are
// recomputed, layers are clamped to their section, rows are padded or cut to the table width and
// cells referencing unknown slots are dropped. The input is not modified.
func Normalize(input Snapshot) (Snapshot, []string) {
	var repairs []string
	repair := func(format string, args ...any) {
		repairs = append(repairs, fmt.Sprintf(format, args...))
	}

	result := input.Clone()
	result.warnings = nil
	if result.SchemaVersion <= 0 {
		result.SchemaVersion = CurrentSchemaVersion
	}
	table := &result.Source.Table

	if len(table.Sections) > sequencer.MaxSections {
		repair("dropped %d sections beyond %d", len(table.Sections)-sequencer.MaxSections, sequencer.MaxSections)
		table.Sections = table.Sections[:sequencer.MaxSections]
	}
	start := 0
	for index := range table.Sections {
		section := &table.Sections[index]
		if section.NumSteps <= 0 {
			repair("section %d had %d steps, using %d", index, section.NumSteps, sequencer.DefaultSectionSteps)
			section.NumSteps = sequencer.DefaultSectionSteps
		}
		if start+section.NumSteps > sequencer.MaxTotalSteps {
			repair("dropped sections from %d to stay within %d steps", index, sequencer.MaxTotalSteps)
			table.Sections = table.Sections[:index]
			break
		}
		if section.StartStep != start {
			repair("section %d start_step %d recomputed as %d", index, section.StartStep, start)
			section.StartStep = start
		}
		start += section.NumSteps
	}
	if table.Sections == nil {
		table.Sections = []Section{}
	}

	if len(table.Layers) > len(table.Sections) {
		repair("dropped %d layer groups without a section", len(table.Layers)-len(table.Sections))
		table.Layers = table.Layers[:len(table.Sections)]
	}
	for len(table.Layers) < len(table.Sections) {
		index := len(table.Layers)
		table.Layers = append(table.Layers, []Layer{{Len: table.Sections[index].NumSteps}})
	}
	for index, layers := range table.Layers {
		steps := table.Sections[index].NumSteps
		if len(layers) > sequencer.MaxLayersPerSection {
			repair("section %d declared %d layers, keeping %d", index, len(layers), sequencer.MaxLayersPerSection)
			layers = layers[:sequencer.MaxLayersPerSection]
		}
		if layers == nil {
			layers = []Layer{}
		}
		for layerIndex := range layers {
			if layers[layerIndex].Len > steps {
				repair("layer %d of section %d clamped from %d to %d steps", layerIndex, index, layers[layerIndex].Len, steps)
				layers[layerIndex].Len = steps
			}
			if layers[layerIndex].Len < 0 {
				layers[layerIndex].Len = 0
			}
		}
		table.Layers[index] = layers
	}

	width := start
	if len(table.TableCells) == 0 {
		table.TableCells = emptyRows(sequencer.DefaultRows, width)
	}
	for rowIndex, row := range table.TableCells {
		if len(row) != width {
			repair("row %d had %d columns, resized to %d", rowIndex, len(row), width)
			resized := make([]*Cell, width)
			copy(resized, row)
			row = resized
		}
		for column, cell := range row {
			if cell == nil {
				continue
			}
			if cell.SampleSlot < 0 || cell.SampleSlot >= sequencer.MaxSampleSlots {
				repair("cell %d/%d referenced slot %d and was cleared", rowIndex, column, cell.SampleSlot)
				row[column] = nil
				continue
			}
			if !sequencer.ValidSetting(cell.Volume) {
				repair("cell %d/%d volume %v reset to %v", rowIndex, column, cell.Volume, sequencer.DefaultVolume)
				cell.Volume = sequencer.DefaultVolume
			}
			if !sequencer.ValidSetting(cell.Pitch) {
				repair("cell %d/%d pitch %v reset to %v", rowIndex, column, cell.Pitch, sequencer.DefaultPitch)
				cell.Pitch = sequencer.DefaultPitch
			}
		}
		table.TableCells[rowIndex] = row
	}

	samples := result.Source.SampleBank.Samples
	if len(samples) > sequencer.MaxSampleSlots {
		repair("dropped %d samples beyond %d slots", len(samples)-sequencer.MaxSampleSlots, sequencer.MaxSampleSlots)
		samples = samples[:sequencer.MaxSampleSlots]
	}
	if samples == nil {
		samples = []Sample{}
	}
	result.Source.SampleBank.Samples = samples
	return result, repairs
}

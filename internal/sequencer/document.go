package sequencer

import (
	"errors"
	"fmt"
	"math"
)

const (
	// MaxSampleSlots bounds the sample bank (slots A-Z).
	MaxSampleSlots = 26
	// MaxSections bounds the number of sections in a project.
	MaxSections = 64
	// MaxLayersPerSection bounds the layers declared for a single section.
	MaxLayersPerSection = 4
	// MaxTotalSteps bounds the cell table width.
	MaxTotalSteps = 2048
	// DefaultSectionSteps is used when a section is created without an explicit step count.
	DefaultSectionSteps = 16
	// DefaultRows is the number of cell rows of a fresh document.
	DefaultRows = 16
	// DefaultBPM is the tempo of a fresh document.
	DefaultBPM = 120
	// DefaultVolume and DefaultPitch are the neutral cell settings.
	DefaultVolume = 1.0
	DefaultPitch  = 1.0
)

var (
	// ErrInvalidCommand indicates that a command cannot be applied to the current document state.
	ErrInvalidCommand = errors.New("sequencer: invalid command")
	// ErrInvariantViolated indicates that a document no longer satisfies its structural invariants.
	ErrInvariantViolated = errors.New("sequencer: invariant violated")
)

// Cell references a sample slot together with its playback settings.
type Cell struct {
	SampleSlot int
	Volume     float64
	Pitch      float64
}

// ValidSetting reports whether a cell volume or pitch is usable. Zero is a muted cell.
func ValidSetting(value float64) bool {
	return value >= 0 && !math.IsNaN(value) && !math.IsInf(value, 0)
}

// NewCell returns a cell for the slot with neutral settings.
func NewCell(slot int) *Cell {
	return &Cell{SampleSlot: slot, Volume: DefaultVolume, Pitch: DefaultPitch}
}

// Section is a contiguous run of steps in the cell table.
type Section struct {
	StartStep int
	NumSteps  int
}

// Layer declares a playable length, in steps, inside its section.
type Layer struct {
	Len int
}

// Color is an RGB sample color.
type Color struct {
	R uint8
	G uint8
	B uint8
}

// Sample is an entry of the sample bank.
type Sample struct {
	ID    string
	Name  string
	Color Color
}

// Playback holds live transport settings. They are not part of a snapshot.
type Playback struct {
	BPM          int
	SectionLoops []int
}

// Content is the serializable part of a document: sections, layers, cells and the sample bank.
type Content struct {
	Sections []Section
	Layers   [][]Layer
	Cells    [][]*Cell
	Samples  []Sample
}

// Document is the live, mutable project. It has a single writer: the active editing surface.
type Document struct {
	sections []Section
	layers   [][]Layer
	rows     [][]*Cell
	samples  []Sample
	playback Playback
}

// NewDocument returns an empty project with DefaultRows empty rows and no sections.
func NewDocument() *Document {
	rows := make([][]*Cell, DefaultRows)
	for index := range rows {
		rows[index] = []*Cell{}
	}
	return &Document{
		sections: []Section{},
		layers:   [][]Layer{},
		rows:     rows,
		samples:  []Sample{},
		playback: Playback{BPM: DefaultBPM, SectionLoops: []int{}},
	}
}

// Sections returns a copy of the section list.
func (d *Document) Sections() []Section {
	return append([]Section(nil), d.sections...)
}

// SectionCount returns the number of sections.
func (d *Document) SectionCount() int {
	return len(d.sections)
}

// Layers returns a copy of the layers declared for a section.
func (d *Document) Layers(sectionIndex int) []Layer {
	if sectionIndex < 0 || sectionIndex >= len(d.layers) {
		return nil
	}
	return append([]Layer(nil), d.layers[sectionIndex]...)
}

// RowCount returns the number of cell rows.
func (d *Document) RowCount() int {
	return len(d.rows)
}

// ColumnCount returns the width of the cell table, the sum of all section step counts.
func (d *Document) ColumnCount() int {
	total := 0
	for _, section := range d.sections {
		total += section.NumSteps
	}
	return total
}

// Cell returns the cell at row/column and whether it is populated.
func (d *Document) Cell(row, column int) (Cell, bool) {
	if row < 0 || row >= len(d.rows) || column < 0 || column >= len(d.rows[row]) {
		return Cell{}, false
	}
	cell := d.rows[row][column]
	if cell == nil {
		return Cell{}, false
	}
	return *cell, true
}

// Samples returns a copy of the sample bank.
func (d *Document) Samples() []Sample {
	return append([]Sample(nil), d.samples...)
}

// Playback returns a copy of the transport settings.
func (d *Document) Playback() Playback {
	return Playback{
		BPM:          d.playback.BPM,
		SectionLoops: append([]int(nil), d.playback.SectionLoops...),
	}
}

// Content returns a deep copy of the serializable state.
func (d *Document) Content() Content {
	layers := make([][]Layer, len(d.layers))
	for index, sectionLayers := range d.layers {
		layers[index] = append([]Layer(nil), sectionLayers...)
	}
	return Content{
		Sections: d.Sections(),
		Layers:   layers,
		Cells:    copyRows(d.rows),
		Samples:  d.Samples(),
	}
}

// ReplaceContent swaps the table and the sample bank for the provided content. Playback settings are
// kept; section loop counts are resized to the new section count.
func (d *Document) ReplaceContent(content Content) error {
	candidate := &Document{
		sections: append([]Section(nil), content.Sections...),
		layers:   make([][]Layer, len(content.Layers)),
		rows:     copyRows(content.Cells),
		samples:  append([]Sample(nil), content.Samples...),
		playback: d.playback,
	}
	for index, sectionLayers := range content.Layers {
		candidate.layers[index] = append([]Layer(nil), sectionLayers...)
	}
	candidate.reindexSections()
	if err := candidate.Validate(); err != nil {
		return err
	}
	d.sections = candidate.sections
	d.layers = candidate.layers
	d.rows = candidate.rows
	d.samples = candidate.samples
	d.playback.SectionLoops = resizeLoops(d.playback.SectionLoops, len(d.sections))
	return nil
}

// Validate checks the structural invariants of the document.
func (d *Document) Validate() error {
	if len(d.sections) > MaxSections {
		return fmt.Errorf("%w: %d sections exceeds %d", ErrInvariantViolated, len(d.sections), MaxSections)
	}
	if len(d.layers) != len(d.sections) {
		return fmt.Errorf("%w: %d layer groups for %d sections", ErrInvariantViolated, len(d.layers), len(d.sections))
	}
	start := 0
	for index, section := range d.sections {
		if section.NumSteps <= 0 {
			return fmt.Errorf("%w: section %d has %d steps", ErrInvariantViolated, index, section.NumSteps)
		}
		if section.StartStep != start {
			return fmt.Errorf("%w: section %d starts at %d, expected %d", ErrInvariantViolated, index, section.StartStep, start)
		}
		start += section.NumSteps
		if len(d.layers[index]) > MaxLayersPerSection {
			return fmt.Errorf("%w: section %d declares %d layers", ErrInvariantViolated, index, len(d.layers[index]))
		}
		for layerIndex, layer := range d.layers[index] {
			if layer.Len < 0 || layer.Len > section.NumSteps {
				return fmt.Errorf("%w: layer %d of section %d has length %d beyond %d steps", ErrInvariantViolated, layerIndex, index, layer.Len, section.NumSteps)
			}
		}
	}
	if start > MaxTotalSteps {
		return fmt.Errorf("%w: %d total steps exceeds %d", ErrInvariantViolated, start, MaxTotalSteps)
	}
	for rowIndex, row := range d.rows {
		if len(row) != start {
			return fmt.Errorf("%w: row %d has %d columns, expected %d", ErrInvariantViolated, rowIndex, len(row), start)
		}
		for column, cell := range row {
			if cell == nil {
				continue
			}
			if cell.SampleSlot < 0 || cell.SampleSlot >= MaxSampleSlots {
				return fmt.Errorf("%w: cell %d/%d references slot %d", ErrInvariantViolated, rowIndex, column, cell.SampleSlot)
			}
			if !ValidSetting(cell.Volume) || !ValidSetting(cell.Pitch) {
				return fmt.Errorf("%w: cell %d/%d has volume %v pitch %v", ErrInvariantViolated, rowIndex, column, cell.Volume, cell.Pitch)
			}
		}
	}
	if len(d.samples) > MaxSampleSlots {
		return fmt.Errorf("%w: %d samples exceeds %d slots", ErrInvariantViolated, len(d.samples), MaxSampleSlots)
	}
	return nil
}

// Equal reports whether both documents hold the same content and playback settings.
func (d *Document) Equal(other *Document) bool {
	if d == nil || other == nil {
		return d == other
	}
	if len(d.sections) != len(other.sections) || len(d.rows) != len(other.rows) || len(d.samples) != len(other.samples) {
		return false
	}
	for index := range d.sections {
		if d.sections[index] != other.sections[index] {
			return false
		}
		if !equalLayers(d.layers[index], other.layers[index]) {
			return false
		}
	}
	for rowIndex := range d.rows {
		if len(d.rows[rowIndex]) != len(other.rows[rowIndex]) {
			return false
		}
		for column := range d.rows[rowIndex] {
			left, right := d.rows[rowIndex][column], other.rows[rowIndex][column]
			if (left == nil) != (right == nil) {
				return false
			}
			if left != nil && *left != *right {
				return false
			}
		}
	}
	for index := range d.samples {
		if d.samples[index] != other.samples[index] {
			return false
		}
	}
	if d.playback.BPM != other.playback.BPM || len(d.playback.SectionLoops) != len(other.playback.SectionLoops) {
		return false
	}
	for index := range d.playback.SectionLoops {
		if d.playback.SectionLoops[index] != other.playback.SectionLoops[index] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the document.
func (d *Document) Clone() *Document {
	clone := &Document{playback: d.Playback()}
	content := d.Content()
	clone.sections = content.Sections
	clone.layers = content.Layers
	clone.rows = content.Cells
	clone.samples = content.Samples
	return clone
}

func (d *Document) reindexSections() {
	start := 0
	for index := range d.sections {
		d.sections[index].StartStep = start
		start += d.sections[index].NumSteps
	}
}

func (d *Document) validCell(row, column int) bool {
	return row >= 0 && row < len(d.rows) && column >= 0 && column < len(d.rows[row])
}

func copyRows(rows [][]*Cell) [][]*Cell {
	copied := make([][]*Cell, len(rows))
	for rowIndex, row := range rows {
		copied[rowIndex] = make([]*Cell, len(row))
		for column, cell := range row {
			if cell != nil {
				value := *cell
				copied[rowIndex][column] = &value
			}
		}
	}
	return copied
}

func equalLayers(left, right []Layer) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}

func resizeLoops(loops []int, count int) []int {
	resized := make([]int, count)
	for index := range resized {
		if index < len(loops) && loops[index] > 0 {
			resized[index] = loops[index]
			continue
		}
		resized[index] = 1
	}
	return resized
}

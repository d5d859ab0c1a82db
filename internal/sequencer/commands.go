package sequencer

import "fmt"

// Command is a document mutation. Apply executes it and returns the command that reverts it.
// A command that fails leaves the document unchanged.
type Command interface {
	Apply(doc *Document) (Command, error)
	Name() string
}

// SetCell stores Cell at Row/Column. A nil Cell clears the position.
type SetCell struct {
	Row    int
	Column int
	Cell   *Cell
}

// ClearCell returns the command that empties a cell.
func ClearCell(row, column int) SetCell {
	return SetCell{Row: row, Column: column}
}

func (c SetCell) Name() string {
	if c.Cell == nil {
		return "clear_cell"
	}
	return "set_cell"
}

func (c SetCell) Apply(doc *Document) (Command, error) {
	if !doc.validCell(c.Row, c.Column) {
		return nil, fmt.Errorf("%w: cell %d/%d out of range", ErrInvalidCommand, c.Row, c.Column)
	}
	var next *Cell
	if c.Cell != nil {
		if c.Cell.SampleSlot < 0 || c.Cell.SampleSlot >= MaxSampleSlots {
			return nil, fmt.Errorf("%w: sample slot %d", ErrInvalidCommand, c.Cell.SampleSlot)
		}
		if !ValidSetting(c.Cell.Volume) || !ValidSetting(c.Cell.Pitch) {
			return nil, fmt.Errorf("%w: volume %v pitch %v", ErrInvalidCommand, c.Cell.Volume, c.Cell.Pitch)
		}
		value := *c.Cell
		next = &value
	}
	previous := doc.rows[c.Row][c.Column]
	doc.rows[c.Row][c.Column] = next
	return SetCell{Row: c.Row, Column: c.Column, Cell: previous}, nil
}

// ResizeLayer changes the length of an existing layer. Appending at index len(layers) adds a layer.
type ResizeLayer struct {
	Section int
	Layer   int
	Len     int
}

func (c ResizeLayer) Name() string { return "resize_layer" }

func (c ResizeLayer) Apply(doc *Document) (Command, error) {
	if c.Section < 0 || c.Section >= len(doc.sections) {
		return nil, fmt.Errorf("%w: section %d out of range", ErrInvalidCommand, c.Section)
	}
	section := doc.sections[c.Section]
	if c.Len < 0 || c.Len > section.NumSteps {
		return nil, fmt.Errorf("%w: layer length %d exceeds %d steps", ErrInvalidCommand, c.Len, section.NumSteps)
	}
	layers := doc.layers[c.Section]
	switch {
	case c.Layer >= 0 && c.Layer < len(layers):
		previous := layers[c.Layer].Len
		layers[c.Layer].Len = c.Len
		return ResizeLayer{Section: c.Section, Layer: c.Layer, Len: previous}, nil
	case c.Layer == len(layers) && len(layers) < MaxLayersPerSection:
		doc.layers[c.Section] = append(layers, Layer{Len: c.Len})
		return removeLayer{Section: c.Section, Layer: c.Layer}, nil
	default:
		return nil, fmt.Errorf("%w: layer %d of section %d", ErrInvalidCommand, c.Layer, c.Section)
	}
}

type removeLayer struct {
	Section int
	Layer   int
}

func (c removeLayer) Name() string { return "remove_layer" }

func (c removeLayer) Apply(doc *Document) (Command, error) {
	if c.Section < 0 || c.Section >= len(doc.layers) {
		return nil, fmt.Errorf("%w: section %d out of range", ErrInvalidCommand, c.Section)
	}
	layers := doc.layers[c.Section]
	if c.Layer != len(layers)-1 {
		return nil, fmt.Errorf("%w: only the last layer can be removed", ErrInvalidCommand)
	}
	removed := layers[c.Layer]
	doc.layers[c.Section] = layers[:c.Layer]
	return ResizeLayer{Section: c.Section, Layer: c.Layer, Len: removed.Len}, nil
}

// InsertSection adds an empty section of Steps steps at Index. Steps <= 0 uses DefaultSectionSteps.
type InsertSection struct {
	Index int
	Steps int
}

func (c InsertSection) Name() string { return "insert_section" }

func (c InsertSection) Apply(doc *Document) (Command, error) {
	steps := c.Steps
	if steps <= 0 {
		steps = DefaultSectionSteps
	}
	columns := make([][]*Cell, len(doc.rows))
	for index := range columns {
		columns[index] = make([]*Cell, steps)
	}
	restore := restoreSection{
		Index:   c.Index,
		Steps:   steps,
		Layers:  []Layer{{Len: steps}},
		Columns: columns,
		Loops:   1,
	}
	return restore.Apply(doc)
}

// RemoveSection deletes the section at Index together with its columns, layers and loop count.
type RemoveSection struct {
	Index int
}

func (c RemoveSection) Name() string { return "remove_section" }

func (c RemoveSection) Apply(doc *Document) (Command, error) {
	if c.Index < 0 || c.Index >= len(doc.sections) {
		return nil, fmt.Errorf("%w: section %d out of range", ErrInvalidCommand, c.Index)
	}
	section := doc.sections[c.Index]
	start, end := section.StartStep, section.StartStep+section.NumSteps
	columns := make([][]*Cell, len(doc.rows))
	for rowIndex, row := range doc.rows {
		columns[rowIndex] = append([]*Cell(nil), row[start:end]...)
		doc.rows[rowIndex] = append(row[:start:start], row[end:]...)
	}
	layers := doc.layers[c.Index]
	loops := 1
	if c.Index < len(doc.playback.SectionLoops) {
		loops = doc.playback.SectionLoops[c.Index]
		doc.playback.SectionLoops = append(doc.playback.SectionLoops[:c.Index:c.Index], doc.playback.SectionLoops[c.Index+1:]...)
	}
	doc.sections = append(doc.sections[:c.Index:c.Index], doc.sections[c.Index+1:]...)
	doc.layers = append(doc.layers[:c.Index:c.Index], doc.layers[c.Index+1:]...)
	doc.reindexSections()
	return restoreSection{
		Index:   c.Index,
		Steps:   section.NumSteps,
		Layers:  layers,
		Columns: columns,
		Loops:   loops,
	}, nil
}

// restoreSection re-inserts a section with its captured columns.
type restoreSection struct {
	Index   int
	Steps   int
	Layers  []Layer
	Columns [][]*Cell
	Loops   int
}

func (c restoreSection) Name() string { return "insert_section" }

func (c restoreSection) Apply(doc *Document) (Command, error) {
	if c.Index < 0 || c.Index > len(doc.sections) {
		return nil, fmt.Errorf("%w: section index %d out of range", ErrInvalidCommand, c.Index)
	}
	if len(doc.sections) >= MaxSections {
		return nil, fmt.Errorf("%w: at most %d sections", ErrInvalidCommand, MaxSections)
	}
	if doc.ColumnCount()+c.Steps > MaxTotalSteps {
		return nil, fmt.Errorf("%w: at most %d steps", ErrInvalidCommand, MaxTotalSteps)
	}
	if len(c.Columns) != len(doc.rows) {
		return nil, fmt.Errorf("%w: %d column rows for %d rows", ErrInvalidCommand, len(c.Columns), len(doc.rows))
	}
	for _, column := range c.Columns {
		if len(column) != c.Steps {
			return nil, fmt.Errorf("%w: column width %d for %d steps", ErrInvalidCommand, len(column), c.Steps)
		}
	}
	start := doc.ColumnCount()
	if c.Index < len(doc.sections) {
		start = doc.sections[c.Index].StartStep
	}
	for rowIndex, row := range doc.rows {
		inserted := make([]*Cell, 0, len(row)+c.Steps)
		inserted = append(inserted, row[:start]...)
		inserted = append(inserted, copyRows([][]*Cell{c.Columns[rowIndex]})[0]...)
		inserted = append(inserted, row[start:]...)
		doc.rows[rowIndex] = inserted
	}
	doc.sections = append(doc.sections[:c.Index:c.Index], append([]Section{{NumSteps: c.Steps}}, doc.sections[c.Index:]...)...)
	doc.layers = append(doc.layers[:c.Index:c.Index], append([][]Layer{append([]Layer(nil), c.Layers...)}, doc.layers[c.Index:]...)...)
	loops := doc.playback.SectionLoops
	if len(loops) >= c.Index {
		doc.playback.SectionLoops = append(loops[:c.Index:c.Index], append([]int{c.Loops}, loops[c.Index:]...)...)
	}
	doc.reindexSections()
	return RemoveSection{Index: c.Index}, nil
}

// SetSample assigns a sample to a bank slot. Assigning past the end of the bank grows it with empty
// entries; a nil Sample on the last slot shrinks it.
type SetSample struct {
	Slot   int
	Sample *Sample
}

func (c SetSample) Name() string { return "set_sample" }

func (c SetSample) Apply(doc *Document) (Command, error) {
	if c.Slot < 0 || c.Slot >= MaxSampleSlots {
		return nil, fmt.Errorf("%w: sample slot %d", ErrInvalidCommand, c.Slot)
	}
	previousLen := len(doc.samples)
	var previous *Sample
	if c.Slot < previousLen {
		value := doc.samples[c.Slot]
		previous = &value
	}
	if c.Sample == nil {
		if c.Slot >= previousLen {
			return nil, fmt.Errorf("%w: slot %d is empty", ErrInvalidCommand, c.Slot)
		}
		if c.Slot != previousLen-1 {
			doc.samples[c.Slot] = Sample{}
			return SetSample{Slot: c.Slot, Sample: previous}, nil
		}
		doc.samples = doc.samples[:c.Slot]
		return restoreBank{Slot: c.Slot, Sample: previous, Len: previousLen}, nil
	}
	for len(doc.samples) <= c.Slot {
		doc.samples = append(doc.samples, Sample{})
	}
	doc.samples[c.Slot] = *c.Sample
	return restoreBank{Slot: c.Slot, Sample: previous, Len: previousLen}, nil
}

// restoreBank puts a slot back and truncates or grows the bank to Len.
type restoreBank struct {
	Slot   int
	Sample *Sample
	Len    int
}

func (c restoreBank) Name() string { return "set_sample" }

func (c restoreBank) Apply(doc *Document) (Command, error) {
	if c.Len < 0 || c.Len > MaxSampleSlots {
		return nil, fmt.Errorf("%w: bank size %d", ErrInvalidCommand, c.Len)
	}
	var current *Sample
	if c.Slot >= 0 && c.Slot < len(doc.samples) {
		value := doc.samples[c.Slot]
		current = &value
	}
	currentLen := len(doc.samples)
	for len(doc.samples) < c.Len {
		doc.samples = append(doc.samples, Sample{})
	}
	doc.samples = doc.samples[:c.Len]
	if c.Sample != nil && c.Slot < c.Len {
		doc.samples[c.Slot] = *c.Sample
	}
	return restoreBank{Slot: c.Slot, Sample: current, Len: currentLen}, nil
}

// SetSectionLoops sets how many times a section repeats during playback.
type SetSectionLoops struct {
	Section int
	Loops   int
}

func (c SetSectionLoops) Name() string { return "set_section_loops" }

func (c SetSectionLoops) Apply(doc *Document) (Command, error) {
	if c.Section < 0 || c.Section >= len(doc.sections) {
		return nil, fmt.Errorf("%w: section %d out of range", ErrInvalidCommand, c.Section)
	}
	if c.Loops < 1 {
		return nil, fmt.Errorf("%w: loops must be positive", ErrInvalidCommand)
	}
	doc.playback.SectionLoops = resizeLoops(doc.playback.SectionLoops, len(doc.sections))
	previous := doc.playback.SectionLoops[c.Section]
	doc.playback.SectionLoops[c.Section] = c.Loops
	return SetSectionLoops{Section: c.Section, Loops: previous}, nil
}

// SetBPM changes the tempo.
type SetBPM struct {
	BPM int
}

func (c SetBPM) Name() string { return "set_bpm" }

func (c SetBPM) Apply(doc *Document) (Command, error) {
	if c.BPM < 20 || c.BPM > 400 {
		return nil, fmt.Errorf("%w: bpm %d", ErrInvalidCommand, c.BPM)
	}
	previous := doc.playback.BPM
	doc.playback.BPM = c.BPM
	return SetBPM{BPM: previous}, nil
}

package snapshot

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/sequencer"
	"go.uber.org/zap"
)

// CodecConfig configures a Codec.
type CodecConfig struct {
	Logger *zap.Logger
}

// Codec moves project state between a live Document and a Snapshot.
type Codec struct {
	logger *zap.Logger
}

// NewCodec constructs a codec.
func NewCodec(config CodecConfig) *Codec {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Codec{logger: logger}
}

// Export captures the document as a canonical snapshot. Identical documents produce identical snapshots.
func (c *Codec) Export(document *sequencer.Document) (Snapshot, error) {
	if document == nil {
		return Snapshot{}, &SerializationError{Operation: "export", Err: sequencer.ErrInvariantViolated}
	}
	if err := document.Validate(); err != nil {
		c.logger.Error("snapshot export rejected", zap.Error(err))
		return Snapshot{}, &SerializationError{Operation: "export", Err: err}
	}
	content := document.Content()
	result := Snapshot{SchemaVersion: CurrentSchemaVersion}
	table := &result.Source.Table

	table.Sections = make([]Section, len(content.Sections))
	start := 0
	for index, section := range content.Sections {
		table.Sections[index] = Section{NumSteps: section.NumSteps, StartStep: start}
		start += section.NumSteps
	}
	table.Layers = make([][]Layer, len(content.Layers))
	for index, layers := range content.Layers {
		table.Layers[index] = make([]Layer, len(layers))
		for layerIndex, layer := range layers {
			table.Layers[index][layerIndex] = Layer{Len: layer.Len}
		}
	}
	table.TableCells = make([][]*Cell, len(content.Cells))
	for rowIndex, row := range content.Cells {
		table.TableCells[rowIndex] = make([]*Cell, len(row))
		for column, cell := range row {
			if cell == nil {
				continue
			}
			table.TableCells[rowIndex][column] = &Cell{SampleSlot: cell.SampleSlot, Volume: cell.Volume, Pitch: cell.Pitch}
		}
	}
	result.Source.SampleBank.Samples = make([]Sample, len(content.Samples))
	for index, sample := range content.Samples {
		result.Source.SampleBank.Samples[index] = Sample{
			Color: Color{R: sample.Color.R, G: sample.Color.G, B: sample.Color.B},
			ID:    sample.ID,
			Name:  sample.Name,
		}
	}
	return result, nil
}

// Import replaces the table and the sample bank of the document with the snapshot content. Playback
// settings are kept. The history, when provided, is cleared as the final step.
func (c *Codec) Import(document *sequencer.Document, history *sequencer.History, input Snapshot) error {
	if document == nil {
		return &SerializationError{Operation: "import", Err: sequencer.ErrInvariantViolated}
	}
	normalized, repairs := Normalize(input)
	for _, repair := range repairs {
		c.logger.Warn("snapshot repaired on import", zap.String("repair", repair))
	}
	if err := document.ReplaceContent(toContent(normalized)); err != nil {
		c.logger.Error("snapshot import rejected", zap.Error(err))
		return &SerializationError{Operation: "import", Err: err}
	}
	if history != nil {
		history.Reset()
	}
	return nil
}

// Encode marshals a snapshot to its JSON wire form.
func Encode(input Snapshot) ([]byte, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, &SerializationError{Operation: "encode", Err: err}
	}
	return payload, nil
}

func toContent(input Snapshot) sequencer.Content {
	table := input.Source.Table
	content := sequencer.Content{
		Sections: make([]sequencer.Section, len(table.Sections)),
		Layers:   make([][]sequencer.Layer, len(table.Layers)),
		Cells:    make([][]*sequencer.Cell, len(table.TableCells)),
		Samples:  make([]sequencer.Sample, len(input.Source.SampleBank.Samples)),
	}
	for index, section := range table.Sections {
		content.Sections[index] = sequencer.Section{StartStep: section.StartStep, NumSteps: section.NumSteps}
	}
	for index, layers := range table.Layers {
		content.Layers[index] = make([]sequencer.Layer, len(layers))
		for layerIndex, layer := range layers {
			content.Layers[index][layerIndex] = sequencer.Layer{Len: layer.Len}
		}
	}
	for rowIndex, row := range table.TableCells {
		content.Cells[rowIndex] = make([]*sequencer.Cell, len(row))
		for column, cell := range row {
			if cell != nil {
				content.Cells[rowIndex][column] = &sequencer.Cell{SampleSlot: cell.SampleSlot, Volume: cell.Volume, Pitch: cell.Pitch}
			}
		}
	}
	for index, sample := range input.Source.SampleBank.Samples {
		content.Samples[index] = sequencer.Sample{
			ID:    sample.ID,
			Name:  sample.Name,
			Color: sequencer.Color{R: sample.Color.R, G: sample.Color.G, B: sample.Color.B},
		}
	}
	return content
}

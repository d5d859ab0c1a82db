package snapshot

import "github.com/MarcoPoloResearchLab/gravity/sequencer/internal/sequencer"

// Metadata is the cheap preview summary stored next to a snapshot.
type Metadata struct {
	SectionsCount    int   `json:"sections_count"`
	SectionsSteps    []int `json:"sections_steps"`
	SectionsLoopsNum []int `json:"sections_loops_num"`
	Layers           []int `json:"layers"`
}

// Summarize computes the preview summary of a snapshot. loops holds the per-section loop counts of the
// live document; missing entries default to one loop.
func Summarize(input Snapshot, loops []int) Metadata {
	sections := input.Source.Table.Sections
	metadata := Metadata{
		SectionsCount:    len(sections),
		SectionsSteps:    make([]int, len(sections)),
		SectionsLoopsNum: make([]int, len(sections)),
		Layers:           make([]int, len(sections)),
	}
	for index, section := range sections {
		metadata.SectionsSteps[index] = section.NumSteps
		metadata.SectionsLoopsNum[index] = 1
		if index < len(loops) && loops[index] > 0 {
			metadata.SectionsLoopsNum[index] = loops[index]
		}
		if index < len(input.Source.Table.Layers) {
			metadata.Layers[index] = len(input.Source.Table.Layers[index])
		}
	}
	return metadata
}

// Normalized pads every per-section list to SectionsCount with its last known value. Empty lists use
// the defaults of a fresh section.
func (m Metadata) Normalized() Metadata {
	count := m.SectionsCount
	if count < 0 {
		count = 0
	}
	return Metadata{
		SectionsCount:    count,
		SectionsSteps:    padWithLast(m.SectionsSteps, count, sequencer.DefaultSectionSteps),
		SectionsLoopsNum: padWithLast(m.SectionsLoopsNum, count, 1),
		Layers:           padWithLast(m.Layers, count, 1),
	}
}

func padWithLast(values []int, count, fallback int) []int {
	padded := make([]int, count)
	last := fallback
	for index := range padded {
		if index < len(values) {
			last = values[index]
		}
		padded[index] = last
	}
	return padded
}

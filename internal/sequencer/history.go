package sequencer

import (
	"errors"

	"go.uber.org/zap"
)

// DefaultHistoryCapacity is the number of undoable steps kept.
const DefaultHistoryCapacity = 100

var (
	// ErrNothingToUndo indicates that the cursor is at the start of the log.
	ErrNothingToUndo = errors.New("sequencer: nothing to undo")
	// ErrNothingToRedo indicates that the cursor is at the end of the log.
	ErrNothingToRedo = errors.New("sequencer: nothing to redo")
)

type historyEntry struct {
	forward Command
	inverse Command
}

// History records applied commands and moves a cursor through them.
type History struct {
	document *Document
	entries  []historyEntry
	cursor   int
	capacity int
	logger   *zap.Logger
}

// HistoryConfig configures a History.
type HistoryConfig struct {
	Capacity int
	Logger   *zap.Logger
}

// NewHistory binds a history log to the document it mutates.
func NewHistory(document *Document, config HistoryConfig) *History {
	capacity := config.Capacity
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{document: document, capacity: capacity, logger: logger}
}

// Document returns the document the history mutates.
func (h *History) Document() *Document {
	return h.document
}

// Push applies the command and records it. The redo tail is discarded.
func (h *History) Push(command Command) error {
	inverse, err := command.Apply(h.document)
	if err != nil {
		h.logger.Debug("command rejected", zap.String("command", command.Name()), zap.Error(err))
		return err
	}
	h.entries = append(h.entries[:h.cursor], historyEntry{forward: command, inverse: inverse})
	if len(h.entries) > h.capacity {
		dropped := len(h.entries) - h.capacity
		h.entries = append([]historyEntry(nil), h.entries[dropped:]...)
	}
	h.cursor = len(h.entries)
	return nil
}

// Undo reverts the command before the cursor.
func (h *History) Undo() error {
	if !h.CanUndo() {
		return ErrNothingToUndo
	}
	entry := h.entries[h.cursor-1]
	forward, err := entry.inverse.Apply(h.document)
	if err != nil {
		h.logger.Error("undo failed", zap.String("command", entry.inverse.Name()), zap.Error(err))
		return err
	}
	h.entries[h.cursor-1].forward = forward
	h.cursor--
	return nil
}

// Redo re-applies the command at the cursor.
func (h *History) Redo() error {
	if !h.CanRedo() {
		return ErrNothingToRedo
	}
	entry := h.entries[h.cursor]
	inverse, err := entry.forward.Apply(h.document)
	if err != nil {
		h.logger.Error("redo failed", zap.String("command", entry.forward.Name()), zap.Error(err))
		return err
	}
	h.entries[h.cursor].inverse = inverse
	h.cursor++
	return nil
}

func (h *History) CanUndo() bool {
	return h.cursor > 0
}

func (h *History) CanRedo() bool {
	return h.cursor < len(h.entries)
}

// Len returns the number of recorded commands, undone ones included.
func (h *History) Len() int {
	return len(h.entries)
}

// Reset forgets every recorded command. The current document becomes the baseline.
func (h *History) Reset() {
	h.entries = nil
	h.cursor = 0
}

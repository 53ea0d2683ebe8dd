package flashscript

import "flashjournal/flash"

// EventKind says what an Event reports.
type EventKind int

const (
	// EventStep is sent before a step is dispatched.
	EventStep EventKind = iota
	// EventErase is sent after a sector was erased (or found blank).
	EventErase
	// EventProgram is sent after a chunk was programmed.
	EventProgram
	// EventEqual is sent for a chunk that already held the data.
	EventEqual
	// EventCommit is sent after a step's commit record was written.
	EventCommit
	// EventJournal is sent after the journal was initialized.
	EventJournal
	// EventDone is sent when a script reached its Empty entry.
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventStep:
		return "step"
	case EventErase:
		return "erase"
	case EventProgram:
		return "program"
	case EventEqual:
		return "equal"
	case EventCommit:
		return "commit"
	case EventJournal:
		return "journal"
	case EventDone:
		return "done"
	}
	return "unknown"
}

// Event describes engine progress. Addr and Len cover the flash range the
// event concerns, when there is one.
type Event struct {
	Kind  EventKind
	Step  int
	Entry Entry
	Addr  flash.Addr
	Len   uint32
}

// ProgressFunc receives engine events.
type ProgressFunc func(Event)

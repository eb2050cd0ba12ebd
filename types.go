package kevent

import (
	"fmt"
	"strings"
)

type (
	// Kevent is the registration request and event record exchanged with a
	// queue. The meaning of Fflags, Data, and Ext depends on Filter.
	Kevent struct {
		// Ident identifies the event source, e.g. a descriptor, pid, or an
		// arbitrary user-chosen value.
		Ident uint64
		// Data is filter-specific, or an errno when Flags has FlagError.
		Data int64
		// Udata is opaque to the queue, and returned unchanged with events.
		// Combined with FlagUdataSpecific, it is part of the identity.
		Udata uint64
		// Ext carries filter-specific extension values.
		Ext [4]uint64
		// Fflags are filter-specific flags.
		Fflags uint32
		// Flags are the generic action and status flags.
		Flags Flags
		// Filter selects the kind of event source.
		Filter Filter
		// QoS is the requested service class, for the pooled queue and
		// workloops. Zero selects the configured default.
		QoS QoS
	}

	// Filter identifies a kind of event source.
	Filter int16

	// Flags are the generic kevent flags.
	Flags uint16
)

const (
	// FilterRead reports readability of a descriptor.
	FilterRead Filter = -1
	// FilterWrite reports writability of a descriptor.
	FilterWrite Filter = -2
	// FilterVnode reports changes to a filesystem path.
	FilterVnode Filter = -4
	// FilterProc reports lifecycle changes of a process.
	FilterProc Filter = -5
	// FilterTimer reports timer expiry.
	FilterTimer Filter = -7
	// FilterUser reports user-triggered events.
	FilterUser Filter = -10
	// FilterWorkloop implements workloop thread requests and synchronous
	// waits, and is only valid on a Workloop.
	FilterWorkloop Filter = -17
)

const (
	FlagAdd           Flags = 0x0001
	FlagDelete        Flags = 0x0002
	FlagEnable        Flags = 0x0004
	FlagDisable       Flags = 0x0008
	FlagOneshot       Flags = 0x0010
	FlagClear         Flags = 0x0020
	FlagReceipt       Flags = 0x0040
	FlagDispatch      Flags = 0x0080
	FlagUdataSpecific Flags = 0x0100
	// FlagDispatch2 combines dispatch and udata-specific semantics. A
	// deleted, disabled, dispatch2 registration is not dropped until its
	// final (delete) event has been delivered.
	FlagDispatch2 = FlagDispatch | FlagUdataSpecific
	// FlagVanished requests (on registration) and reports (on delivery)
	// the silent disappearance of the event source.
	FlagVanished Flags = 0x0200
	FlagError    Flags = 0x4000
	FlagEOF      Flags = 0x8000

	// flagsSticky are retained on the registration, from the request.
	flagsSticky = FlagOneshot | FlagClear | FlagDispatch | FlagUdataSpecific | FlagVanished | FlagReceipt
)

// Timer filter flags. The default unit is milliseconds.
const (
	NoteSeconds  uint32 = 0x00000001
	NoteUSeconds uint32 = 0x00000002
	NoteNSeconds uint32 = 0x00000004
	// NoteAbsolute interprets Data as a wall clock time since the Unix epoch.
	NoteAbsolute uint32 = 0x00000008
	// NoteLeeway allows expiry to be delayed by Ext[1] (same unit as Data).
	NoteLeeway uint32 = 0x00000010

	noteTimerUnitMask = NoteSeconds | NoteUSeconds | NoteNSeconds
	noteTimerMask     = noteTimerUnitMask | NoteAbsolute | NoteLeeway
)

// User filter flags.
const (
	NoteFFNop      uint32 = 0x00000000
	NoteFFAnd      uint32 = 0x40000000
	NoteFFOr       uint32 = 0x80000000
	NoteFFCopy     uint32 = 0xc0000000
	NoteFFCtrlMask uint32 = 0xc0000000
	NoteFFlagsMask uint32 = 0x00ffffff
	NoteTrigger    uint32 = 0x01000000
)

// Proc filter flags.
const (
	NoteExit       uint32 = 0x80000000
	NoteFork       uint32 = 0x40000000
	NoteExec       uint32 = 0x20000000
	NoteSignal     uint32 = 0x08000000
	NoteExitStatus uint32 = 0x04000000

	notePDataMask uint32 = 0x000fffff
	noteProcMask         = NoteExit | NoteFork | NoteExec | NoteSignal | NoteExitStatus
)

// Vnode filter flags.
const (
	NoteDelete uint32 = 0x00000001
	NoteWrite  uint32 = 0x00000002
	NoteExtend uint32 = 0x00000004
	NoteAttrib uint32 = 0x00000008
	NoteRename uint32 = 0x00000020

	noteVnodeMask = NoteDelete | NoteWrite | NoteExtend | NoteAttrib | NoteRename
)

// Read filter flags.
const (
	// NoteLowat sets the low water mark to Data.
	NoteLowat uint32 = 0x00000001
)

// Workloop filter flags. Exactly one command must be specified.
const (
	NoteWLThreadRequest uint32 = 0x00000001
	NoteWLSyncWait      uint32 = 0x00000004
	NoteWLSyncWake      uint32 = 0x00000008
	NoteWLCommandsMask  uint32 = 0x0000000f

	NoteWLUpdateQoS      uint32 = 0x00000010
	NoteWLEndOwnership   uint32 = 0x00000020
	NoteWLDiscoverOwner  uint32 = 0x00000080
	NoteWLIgnoreESTALE   uint32 = 0x00000100
	noteWLUpdatesMask    uint32 = 0x000000f0
	noteWLValidFlagsMask        = NoteWLCommandsMask | noteWLUpdatesMask | NoteWLIgnoreESTALE
)

// Workloop filter Ext indexes.
const (
	ExtWLAddr  = 1
	ExtWLMask  = 2
	ExtWLValue = 3
	// ExtTimerLeeway is the leeway of a NoteLeeway timer.
	ExtTimerLeeway = 1
)

func (f Filter) String() string {
	switch f {
	case FilterRead:
		return "read"
	case FilterWrite:
		return "write"
	case FilterVnode:
		return "vnode"
	case FilterProc:
		return "proc"
	case FilterTimer:
		return "timer"
	case FilterUser:
		return "user"
	case FilterWorkloop:
		return "workloop"
	default:
		return fmt.Sprintf("Filter(%d)", int16(f))
	}
}

var flagNames = [...]struct {
	name string
	flag Flags
}{
	{"add", FlagAdd},
	{"delete", FlagDelete},
	{"enable", FlagEnable},
	{"disable", FlagDisable},
	{"oneshot", FlagOneshot},
	{"clear", FlagClear},
	{"receipt", FlagReceipt},
	{"dispatch", FlagDispatch},
	{"udata-specific", FlagUdataSpecific},
	{"vanished", FlagVanished},
	{"error", FlagError},
	{"eof", FlagEOF},
}

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var b strings.Builder
	for _, v := range flagNames {
		if f&v.flag != 0 {
			if b.Len() != 0 {
				b.WriteByte('|')
			}
			b.WriteString(v.name)
			f &^= v.flag
		}
	}
	if f != 0 {
		if b.Len() != 0 {
			b.WriteByte('|')
		}
		fmt.Fprintf(&b, "%#x", uint16(f))
	}
	return b.String()
}

func (ev Kevent) String() string {
	return fmt.Sprintf("{ident=%d filter=%s flags=%s fflags=%#x data=%d udata=%#x qos=%d}",
		ev.Ident, ev.Filter, ev.Flags, ev.Fflags, ev.Data, ev.Udata, ev.QoS)
}

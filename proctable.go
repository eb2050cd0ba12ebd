package kevent

import (
	"fmt"
	"sync"
)

type (
	// ProcessTable is a table of simulated processes, whose lifecycle
	// (fork, exec, signal, exit) is observable with FilterProc.
	ProcessTable struct {
		procs   map[int]*process
		mu      sync.Mutex
		nextPID int
	}

	process struct {
		knotes klist
		pid    int
		ppid   int
		status int
		exited bool
	}
)

// NewProcessTable returns an empty ProcessTable.
func NewProcessTable() *ProcessTable {
	return &ProcessTable{
		procs:   make(map[int]*process),
		nextPID: 1,
	}
}

// Spawn adds a process with no parent, returning its pid.
func (t *ProcessTable) Spawn() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spawnLocked(0)
}

func (t *ProcessTable) spawnLocked(ppid int) int {
	pid := t.nextPID
	t.nextPID++
	t.procs[pid] = &process{pid: pid, ppid: ppid}
	return pid
}

func (t *ProcessTable) lookupLocked(pid int) (*process, error) {
	pr, ok := t.procs[pid]
	if !ok || pr.exited {
		return nil, ESRCH
	}
	return pr, nil
}

// Fork creates a child of pid, notifying NoteFork with the child's pid.
func (t *ProcessTable) Fork(pid int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, err := t.lookupLocked(pid)
	if err != nil {
		return 0, fmt.Errorf("kevent: fork %d: %w", pid, err)
	}
	child := t.spawnLocked(pid)
	pr.knotes.post(procHint(NoteFork, child))
	return child, nil
}

// Exec notifies NoteExec.
func (t *ProcessTable) Exec(pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, err := t.lookupLocked(pid)
	if err != nil {
		return fmt.Errorf("kevent: exec %d: %w", pid, err)
	}
	pr.knotes.post(procHint(NoteExec, 0))
	return nil
}

// Signal notifies NoteSignal, with the signal number.
func (t *ProcessTable) Signal(pid, sig int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, err := t.lookupLocked(pid)
	if err != nil {
		return fmt.Errorf("kevent: signal %d: %w", pid, err)
	}
	pr.knotes.post(procHint(NoteSignal, sig))
	return nil
}

// Exit terminates pid, notifying NoteExit with the status. Registrations
// are detached from the process, and deliver a final event.
func (t *ProcessTable) Exit(pid, status int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, err := t.lookupLocked(pid)
	if err != nil {
		return fmt.Errorf("kevent: exit %d: %w", pid, err)
	}
	pr.exited = true
	pr.status = status
	pr.knotes.post(procHint(NoteExit, status))
	pr.knotes = klist{}
	delete(t.procs, pid)
	return nil
}

// Alive reports whether pid exists, and has not exited.
func (t *ProcessTable) Alive(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.lookupLocked(pid)
	return err == nil
}

// procHint packs a note and its data into an event hint.
func procHint(note uint32, data int) int64 {
	return int64(note)<<32 | int64(uint32(data))
}

func unpackProcHint(hint int64) (uint32, int) {
	return uint32(hint >> 32), int(int32(uint32(hint)))
}

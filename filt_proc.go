package kevent

type (
	// procFilterOps implements FilterProc, against the ProcessTable of the
	// Proc. The hook is a *procState, guarded by the table lock.
	procFilterOps struct{}

	procState struct {
		table *ProcessTable
		pid   int
		// fflags accumulates notes since the last delivery
		fflags uint32
		// data is the child pid (NoteFork), signal (NoteSignal), or exit
		// status (NoteExit with NoteExitStatus), of the last note
		data   int
		exited bool
	}
)

var _ filterOps = procFilterOps{}

func (procFilterOps) attach(kn *knote, kev *Kevent) (filterResult, error) {
	if kev.Fflags&^noteProcMask != 0 {
		return 0, EINVAL
	}
	if kev.Ident > uint64(notePDataMask) {
		return 0, ESRCH
	}
	t := kn.kq.proc.processes
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, err := t.lookupLocked(int(kev.Ident))
	if err != nil {
		return 0, err
	}
	kn.hook = &procState{table: t, pid: pr.pid}
	pr.knotes.add(kn)
	return 0, nil
}

func (procFilterOps) detach(kn *knote) {
	st := kn.hook.(*procState)
	st.table.mu.Lock()
	defer st.table.mu.Unlock()
	if pr, ok := st.table.procs[st.pid]; ok {
		pr.knotes.remove(kn)
	}
}

// event is called with the table locked.
func (procFilterOps) event(kn *knote, hint int64) filterResult {
	st := kn.hook.(*procState)
	note, data := unpackProcHint(hint)
	if note == NoteExit {
		st.exited = true
	}
	if note&kn.sfflags == 0 && note != NoteExit {
		return 0
	}
	st.fflags |= note & kn.sfflags
	if note != NoteExit || kn.sfflags&NoteExitStatus != 0 {
		st.data = data
	}
	return boolResult(st.fflags != 0 || st.exited)
}

func (procFilterOps) touch(kn *knote, kev *Kevent) (filterResult, error) {
	if kev.Fflags&^noteProcMask != 0 {
		return 0, EINVAL
	}
	st := kn.hook.(*procState)
	st.table.mu.Lock()
	defer st.table.mu.Unlock()
	kn.sfflags = kev.Fflags
	kn.sdata = kev.Data
	return boolResult(st.fflags != 0 || st.exited), nil
}

func (procFilterOps) process(kn *knote, kev *Kevent) filterResult {
	st := kn.hook.(*procState)
	st.table.mu.Lock()
	defer st.table.mu.Unlock()
	if st.fflags == 0 && !st.exited {
		return 0
	}
	kev.Fflags = st.fflags
	kev.Data = int64(st.data)
	if st.exited {
		kev.Flags |= FlagEOF | FlagOneshot
	}
	st.fflags = 0
	st.data = 0
	return resultActive
}

func (procFilterOps) info() filterInfo { return filterInfo{} }

package kevent

// userFilterOps implements FilterUser, which has no source: it is
// triggered, and its fflags updated, only by touch. The trigger state is the
// hook, guarded by the knote lock.
type userFilterOps struct{}

var _ filterOps = userFilterOps{}

// applyUserFflags combines the saved fflags with an update, per the
// NoteFFCtrlMask operation of fflags.
func applyUserFflags(saved, fflags uint32) uint32 {
	v := fflags & NoteFFlagsMask
	switch fflags & NoteFFCtrlMask {
	case NoteFFAnd:
		return saved & v
	case NoteFFOr:
		return saved | v
	case NoteFFCopy:
		return v
	default:
		return saved
	}
}

func userTriggered(kn *knote) bool {
	triggered, _ := kn.hook.(bool)
	return triggered
}

func (userFilterOps) attach(kn *knote, kev *Kevent) (filterResult, error) {
	kn.sfflags = applyUserFflags(0, kev.Fflags)
	kn.sdata = kev.Data
	kn.hook = kev.Fflags&NoteTrigger != 0
	return boolResult(userTriggered(kn)), nil
}

func (userFilterOps) detach(*knote) {}

func (userFilterOps) event(*knote, int64) filterResult {
	panic("kevent: user filter has no source")
}

func (userFilterOps) touch(kn *knote, kev *Kevent) (filterResult, error) {
	kn.sfflags = applyUserFflags(kn.sfflags, kev.Fflags)
	kn.sdata = kev.Data
	var res filterResult
	if kev.Fflags&NoteTrigger != 0 {
		kn.hook = true
		if kev.QoS != QoSUnspecified {
			res |= adjustEventQoS(kev.QoS)
		}
	}
	if userTriggered(kn) {
		res |= resultActive
	}
	return res, nil
}

func (userFilterOps) process(kn *knote, kev *Kevent) filterResult {
	if !userTriggered(kn) {
		return 0
	}
	kev.Fflags = kn.sfflags
	kev.Data = kn.sdata
	if kn.kev.Flags&FlagClear != 0 {
		kn.hook = false
		kn.sfflags = 0
		kn.sdata = 0
	}
	return resultActive
}

func (userFilterOps) info() filterInfo { return filterInfo{} }

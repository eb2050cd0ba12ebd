package kevent

import (
	"context"
)

type (
	// filterOps is the contract between the queue core and one kind of
	// event source. The queue is never locked while these are called.
	//
	// attach, touch, process, and detach are called with the knote lock
	// held. event is called by the source (with the source's lock held),
	// concurrently with any of the others except attach and detach.
	filterOps interface {
		// attach validates the registration and links it to the source.
		attach(kn *knote, kev *Kevent) (filterResult, error)
		// detach unlinks the knote from the source.
		detach(kn *knote)
		// event evaluates a source notification.
		event(kn *knote, hint int64) filterResult
		// touch applies an updated registration.
		touch(kn *knote, kev *Kevent) (filterResult, error)
		// process finalizes an event for delivery, kev having been prefilled
		// by knote.fill. Returning a result without resultActive indicates
		// there is nothing to deliver.
		process(kn *knote, kev *Kevent) filterResult
		info() filterInfo
	}

	// allowDropper is implemented by filters that may veto a delete, e.g.
	// to perform a wakeup instead of a silent drop.
	allowDropper interface {
		allowDrop(kn *knote, kev *Kevent) (bool, error)
	}

	// registerWaiter is implemented by filters that may block the
	// registering thread, after attach or touch returns resultRegisterWait.
	// It is called with the queue locked, and must return with it unlocked.
	registerWaiter interface {
		postRegisterWait(ctx context.Context, th *Thread, kn *knote, kev *Kevent) error
	}

	filterInfo struct {
		// fdBased filters register against a descriptor of the Proc.
		fdBased bool
		// extendedCodes filters keep Fflags and Ext on error events.
		extendedCodes bool
		// adjustsQoS filters keep pushing while dispatch-disabled and
		// suppressed, on workloops.
		adjustsQoS bool
	}

	// filterResult is the outcome of a filter callback, with an optional
	// QoS in bits 8-15.
	filterResult uint32
)

const (
	resultActive filterResult = 1 << iota
	resultRegisterWait
	resultUpdateReqQoS
	resultAdjustEventQoS
	resultResetEventQoS

	resultQoSShift = 8
)

func adjustEventQoS(q QoS) filterResult {
	return resultAdjustEventQoS | filterResult(q)<<resultQoSShift
}

func (r filterResult) qos() QoS {
	return QoS(r >> resultQoSShift)
}

func boolResult(active bool) filterResult {
	if active {
		return resultActive
	}
	return 0
}

// lookupFilter resolves the filter implementation for a new registration,
// taking a reference to the descriptor for fd based filters.
func (p *Proc) lookupFilter(kq *kqueue, kev *Kevent) (filterOps, *fileEntry, error) {
	switch kev.Filter {
	case FilterRead, FilterWrite, FilterVnode:
		if kev.Ident > maxFD {
			return nil, nil, EBADF
		}
		fe, err := p.getFile(int(kev.Ident))
		if err != nil {
			return nil, nil, err
		}
		fops, err := fe.obj.kqfilter(kq, kev.Filter)
		if err != nil {
			p.releaseFile(fe)
			return nil, nil, err
		}
		return fops, fe, nil
	case FilterProc:
		return procFilterOps{}, nil, nil
	case FilterTimer:
		return timerFilterOps{}, nil, nil
	case FilterUser:
		return userFilterOps{}, nil, nil
	case FilterWorkloop:
		if kq.kind != kindWorkloop {
			return nil, nil, ENOTSUP
		}
		return workloopFilterOps{}, nil, nil
	default:
		return nil, nil, EINVAL
	}
}

package kevent

import (
	"errors"

	"github.com/joeycumines/logiface"
)

// procOptions holds configuration options for Proc creation.
type procOptions struct {
	logger     *logiface.Logger[logiface.Event]
	scheduler  Scheduler
	handler    EventHandler
	processes  *ProcessTable
	memory     AddressSpace
	qos        QoSTable
	maxThreads int
}

// ProcOption configures a Proc instance.
type ProcOption interface {
	applyProc(*procOptions) error
}

// procOptionImpl implements ProcOption.
type procOptionImpl struct {
	applyProcFunc func(*procOptions) error
}

func (x *procOptionImpl) applyProc(opts *procOptions) error {
	return x.applyProcFunc(opts)
}

// WithLogger configures structured logging. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) ProcOption {
	return &procOptionImpl{func(opts *procOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithScheduler replaces the default WorkerPool. The scheduler receives
// thread requests for the pooled queue and all workloops of the Proc.
func WithScheduler(scheduler Scheduler) ProcOption {
	return &procOptionImpl{func(opts *procOptions) error {
		if scheduler == nil {
			return errors.New("kevent: nil scheduler")
		}
		opts.scheduler = scheduler
		return nil
	}}
}

// WithMaxThreads bounds the number of concurrent servicer threads of the
// default WorkerPool. Defaults to 64.
func WithMaxThreads(n int) ProcOption {
	return &procOptionImpl{func(opts *procOptions) error {
		if n <= 0 {
			return errors.New("kevent: max threads must be positive")
		}
		opts.maxThreads = n
		return nil
	}}
}

// WithEventHandler sets the function that servicer threads deliver events
// to. It is required to use the pooled queue or workloops.
func WithEventHandler(handler EventHandler) ProcOption {
	return &procOptionImpl{func(opts *procOptions) error {
		opts.handler = handler
		return nil
	}}
}

// WithQoSTable replaces DefaultQoSTable.
func WithQoSTable(table QoSTable) ProcOption {
	return &procOptionImpl{func(opts *procOptions) error {
		if err := table.validate(); err != nil {
			return err
		}
		opts.qos = table
		return nil
	}}
}

// WithProcessTable sets the process table used by FilterProc. By default,
// each Proc has its own.
func WithProcessTable(table *ProcessTable) ProcOption {
	return &procOptionImpl{func(opts *procOptions) error {
		opts.processes = table
		return nil
	}}
}

// WithAddressSpace sets the memory that FilterWorkloop reads owner words
// from. Defaults to a new Memory.
func WithAddressSpace(memory AddressSpace) ProcOption {
	return &procOptionImpl{func(opts *procOptions) error {
		opts.memory = memory
		return nil
	}}
}

// resolveProcOptions applies ProcOption instances to procOptions.
func resolveProcOptions(opts []ProcOption) (*procOptions, error) {
	cfg := &procOptions{
		qos:        DefaultQoSTable(),
		maxThreads: 64,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyProc(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.processes == nil {
		cfg.processes = NewProcessTable()
	}
	if cfg.memory == nil {
		cfg.memory = NewMemory()
	}
	return cfg, nil
}

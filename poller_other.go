//go:build !linux && !darwin

package kevent

type osPoller struct{}

func newOSPoller() (*osPoller, error) { return nil, ErrNotSupported }

func (p *osPoller) close() error { return nil }

func (p *osPoller) register(int, ioCallback) error { return ErrNotSupported }

func (p *osPoller) unregister(int) error { return ErrNotSupported }

func (p *osPoller) pollIO(int) (int, error) { return 0, errPollerClosed }

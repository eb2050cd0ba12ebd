//go:build !linux && !darwin

package kevent

func createWakeFD() (int, int, error) { return -1, -1, ErrNotSupported }

func closeWakeFD(int, int) {}

func signalWakeFD(int) error { return ErrNotSupported }

func drainWakeFD(int) {}

func fionread(int) (int, error) { return 0, ErrNotSupported }

func readFD(int, []byte) (int, error) { return 0, ErrNotSupported }

func writeFD(int, []byte) (int, error) { return 0, ErrNotSupported }

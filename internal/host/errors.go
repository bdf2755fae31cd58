package host

import "errors"

var (
	ErrAlreadyRunning  = errors.New("host is already running")
	ErrAlreadyStopped  = errors.New("host has already stopped")
	ErrIPCNotSupported = errors.New("ipc is not enabled for this host")
	ErrStartupBarrier  = errors.New("draw thread did not initialize")
	ErrCorruptSnapshot = errors.New("scene snapshot checksum mismatch")
	ErrInvalidConfig   = errors.New("invalid host config")
)

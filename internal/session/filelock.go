package session

import (
	"fmt"
	"os"
	"syscall"
)

// fileLock is a blocking advisory lock over a sidecar lock file, using
// flock(2). Shared locks serialize readers against a concurrent writer;
// exclusive locks serialize writers against everyone.
type fileLock struct {
	file *os.File
}

// acquireLock opens (creating if needed) the lock file at path and takes
// an advisory lock. exclusive selects LOCK_EX over LOCK_SH.
func acquireLock(path string, exclusive bool) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	how := syscall.LOCK_SH
	if exclusive {
		how = syscall.LOCK_EX
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("acquiring lock on %s: %w", path, err)
	}
	return &fileLock{file: f}, nil
}

// release drops the lock and closes the lock file. Safe to call once.
func (l *fileLock) release() {
	if l.file == nil {
		return
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	l.file = nil
}

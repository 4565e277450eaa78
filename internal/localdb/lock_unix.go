//go:build linux || darwin

package localdb

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// fileLock holds a non-blocking exclusive flock on the database lock file.
// The kernel releases it when the descriptor closes, including on crash.
type fileLock struct {
	file *os.File
}

func acquireFileLock(lockPath string) (*fileLock, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("flock %s: %w", lockPath, err)
	}

	return &fileLock{file: f}, nil
}

// release unlocks and closes the lock file. Subsequent calls are no-ops.
func (l *fileLock) release() {
	if l == nil || l.file == nil {
		return
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		log.Debug().Err(err).Msg("flock unlock failed")
	}
	if err := l.file.Close(); err != nil {
		log.Debug().Err(err).Msg("lock file close failed")
	}
	l.file = nil
}

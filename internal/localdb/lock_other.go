//go:build !linux && !darwin

package localdb

// fileLock is a no-op where flock is unavailable; the in-process writer
// registry is the only guard on these platforms.
type fileLock struct{}

func acquireFileLock(lockPath string) (*fileLock, error) {
	return &fileLock{}, nil
}

func (l *fileLock) release() {}

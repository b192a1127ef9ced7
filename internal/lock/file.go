package lock

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/flock"
)

// FileLock is an advisory flock on a file next to the engine database. It
// serializes engine cycles between processes on one host without redis.
type FileLock struct {
	path  string
	retry time.Duration
}

func NewFile(path string) *FileLock {
	return &FileLock{path: path, retry: 100 * time.Millisecond}
}

func (l *FileLock) Path() string {
	return l.path
}

// Lock blocks until the file lock is held or ctx ends. Each call opens its
// own descriptor, so two holders in one process exclude each other too.
func (l *FileLock) Lock(ctx context.Context) (func(context.Context) error, error) {
	fl := flock.New(l.path)
	ok, err := fl.TryLockContext(ctx, l.retry)
	if err != nil {
		_ = fl.Close()
		if ctx.Err() != nil {
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		}
		return nil, err
	}
	if !ok {
		_ = fl.Close()
		return nil, ErrNotAcquired
	}
	return func(context.Context) error {
		return fl.Close()
	}, nil
}

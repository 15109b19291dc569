//go:build !unix

package store

import "sync"

// Non-unix platforms fall back to a process-local mutex per lock path.
// Cross-process exclusion is not provided there.
var (
	fallbackMu    sync.Mutex
	fallbackLocks = make(map[string]*sync.Mutex)
)

type fileLock struct {
	mu *sync.Mutex
}

func acquireFileLock(path string) (*fileLock, error) {
	fallbackMu.Lock()
	mu, ok := fallbackLocks[path]
	if !ok {
		mu = &sync.Mutex{}
		fallbackLocks[path] = mu
	}
	fallbackMu.Unlock()

	mu.Lock()
	return &fileLock{mu: mu}, nil
}

func (l *fileLock) release() {
	l.mu.Unlock()
}

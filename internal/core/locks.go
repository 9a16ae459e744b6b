package core

import "sync"

// GameLocks is a keyed mutex. Work on the same game is serialised; different
// games proceed in parallel. Entries are dropped when no goroutine holds or
// waits for them.
type GameLocks struct {
	mu    sync.Mutex
	locks map[string]*gameLock
}

type gameLock struct {
	mu   sync.Mutex
	refs int
}

func NewGameLocks() *GameLocks {
	return &GameLocks{locks: make(map[string]*gameLock)}
}

// Lock blocks until the caller owns gameID and returns the release func.
func (l *GameLocks) Lock(gameID string) func() {
	l.mu.Lock()
	gl, ok := l.locks[gameID]
	if !ok {
		gl = &gameLock{}
		l.locks[gameID] = gl
	}
	gl.refs++
	l.mu.Unlock()

	gl.mu.Lock()
	return func() {
		gl.mu.Unlock()
		l.mu.Lock()
		gl.refs--
		if gl.refs == 0 {
			delete(l.locks, gameID)
		}
		l.mu.Unlock()
	}
}

// Len returns the number of games currently locked or awaited.
func (l *GameLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

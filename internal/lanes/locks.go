package lanes

import "sync"

// GroupLocks serializes agent runs per group folder. Entries prune themselves
// once the last holder releases, so the registry never grows with dead
// groups.
type GroupLocks struct {
	mu    sync.Mutex
	locks map[string]*groupLock
}

type groupLock struct {
	sem  chan struct{}
	refs int
}

// NewGroupLocks builds an empty registry.
func NewGroupLocks() *GroupLocks {
	return &GroupLocks{locks: make(map[string]*groupLock)}
}

// Lock blocks until the folder's lock is free, returning an idempotent
// unlock function.
func (g *GroupLocks) Lock(folder string) func() {
	g.mu.Lock()
	l, ok := g.locks[folder]
	if !ok {
		l = &groupLock{sem: make(chan struct{}, 1)}
		g.locks[folder] = l
	}
	l.refs++
	g.mu.Unlock()

	l.sem <- struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			g.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(g.locks, folder)
			}
			g.mu.Unlock()
		})
	}
}

// TryLock takes the folder's lock without blocking.
func (g *GroupLocks) TryLock(folder string) (func(), bool) {
	g.mu.Lock()
	l, ok := g.locks[folder]
	if !ok {
		l = &groupLock{sem: make(chan struct{}, 1)}
		g.locks[folder] = l
	}
	l.refs++
	g.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	default:
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, folder)
		}
		g.mu.Unlock()
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			g.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(g.locks, folder)
			}
			g.mu.Unlock()
		})
	}, true
}

// Size reports how many folders currently have a registered lock.
func (g *GroupLocks) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}

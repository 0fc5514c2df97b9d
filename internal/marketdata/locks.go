package marketdata

import (
	"hash/fnv"
	"sync"
)

// symbolLocks serializes writers per symbol. The embedded-SQLite deployment
// is single-process, so a striped in-process mutex keyed by an FNV hash of
// the symbol gives the same exclusion an advisory lock would. Readers never
// take these locks.
type symbolLocks struct {
	stripes []sync.Mutex
}

const defaultLockStripes = 64

func newSymbolLocks(stripes int) *symbolLocks {
	if stripes < 1 {
		stripes = defaultLockStripes
	}
	return &symbolLocks{stripes: make([]sync.Mutex, stripes)}
}

// Lock acquires the stripe for the symbol and returns its unlock func
func (l *symbolLocks) Lock(symbol string) func() {
	m := &l.stripes[l.stripe(symbol)]
	m.Lock()
	return m.Unlock
}

func (l *symbolLocks) stripe(symbol string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return h.Sum32() % uint32(len(l.stripes))
}

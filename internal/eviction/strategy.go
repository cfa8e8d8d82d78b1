// Package eviction implements the six eviction strategies of spec §4.2
// (LRU, LFU, TTL, FIFO, Random, Adaptive) behind a common Strategy
// interface so any tier can plug in the policy it was configured with.
//
// Grounded on the teacher's cache-manager/cache.go L1Cache, which
// hard-wires a container/list-based LRU directly into the tier, and
// cache-manager/policies.go's EvictionPolicy interface, which only
// distinguishes TTL from LRU and delegates LRU bookkeeping back to the
// tier itself. Strategy generalizes that: each strategy owns its own
// bookkeeping (list, frequency table, heap, ...) so tiers stay
// strategy-agnostic.
package eviction

import (
	"container/list"
	"math/rand"
	"time"
)

// Strategy tracks per-key bookkeeping for one eviction policy and produces
// eviction candidates on demand. Implementations are not safe for
// concurrent use; the owning tier is responsible for serializing calls
// (the same discipline the teacher's L1Cache applies with its own mutex).
type Strategy interface {
	// Track registers a newly inserted key.
	Track(key string)
	// Touch records an access to an existing key (no-op for policies that
	// don't use recency/frequency, e.g. FIFO).
	Touch(key string)
	// Remove forgets a key, e.g. after explicit deletion.
	Remove(key string)
	// Evict returns the next victim key and true, or ("", false) if there
	// is nothing to evict.
	Evict() (string, bool)
	// Len reports how many keys the strategy is currently tracking.
	Len() int
}

// New constructs a Strategy by name. expiryOf resolves a key to its
// expiration time for TTL-flavored strategies (nil means non-expiring);
// it is nil for strategies that don't need it.
func New(name string, expiryOf func(key string) (time.Time, bool)) Strategy {
	switch name {
	case "lfu":
		return newLFU()
	case "ttl":
		return newTTL(expiryOf)
	case "fifo":
		return newFIFO()
	case "random":
		return newRandomStrategy()
	case "adaptive":
		return newAdaptive()
	default: // "lru" and unknown fall back to LRU
		return newLRU()
	}
}

// --- LRU -------------------------------------------------------------

type lru struct {
	order *list.List
	pos   map[string]*list.Element
}

func newLRU() *lru {
	return &lru{order: list.New(), pos: make(map[string]*list.Element)}
}

func (s *lru) Track(key string) {
	if el, ok := s.pos[key]; ok {
		s.order.MoveToFront(el)
		return
	}
	s.pos[key] = s.order.PushFront(key)
}

func (s *lru) Touch(key string) {
	if el, ok := s.pos[key]; ok {
		s.order.MoveToFront(el)
	}
}

func (s *lru) Remove(key string) {
	if el, ok := s.pos[key]; ok {
		s.order.Remove(el)
		delete(s.pos, key)
	}
}

func (s *lru) Evict() (string, bool) {
	back := s.order.Back()
	if back == nil {
		return "", false
	}
	key := back.Value.(string)
	s.order.Remove(back)
	delete(s.pos, key)
	return key, true
}

func (s *lru) Len() int { return s.order.Len() }

// --- LFU (ties broken by LRU within the same frequency bucket) --------

type lfu struct {
	freq map[string]int
	// recency breaks ties: lower sequence number is older.
	seq      map[string]uint64
	nextSeq  uint64
}

func newLFU() *lfu {
	return &lfu{freq: make(map[string]int), seq: make(map[string]uint64)}
}

func (s *lfu) Track(key string) {
	s.freq[key] = 1
	s.nextSeq++
	s.seq[key] = s.nextSeq
}

func (s *lfu) Touch(key string) {
	if _, ok := s.freq[key]; ok {
		s.freq[key]++
		s.nextSeq++
		s.seq[key] = s.nextSeq
	}
}

func (s *lfu) Remove(key string) {
	delete(s.freq, key)
	delete(s.seq, key)
}

func (s *lfu) Evict() (string, bool) {
	var victim string
	found := false
	var bestFreq int
	var bestSeq uint64
	for k, f := range s.freq {
		seq := s.seq[k]
		if !found || f < bestFreq || (f == bestFreq && seq < bestSeq) {
			victim, bestFreq, bestSeq, found = k, f, seq, true
		}
	}
	if !found {
		return "", false
	}
	s.Remove(victim)
	return victim, true
}

func (s *lfu) Len() int { return len(s.freq) }

// --- TTL (nearest-to-expiry first; expired entries always candidates) -

type ttlStrategy struct {
	keys     map[string]struct{}
	expiryOf func(key string) (time.Time, bool)
}

func newTTL(expiryOf func(key string) (time.Time, bool)) *ttlStrategy {
	return &ttlStrategy{keys: make(map[string]struct{}), expiryOf: expiryOf}
}

func (s *ttlStrategy) Track(key string)  { s.keys[key] = struct{}{} }
func (s *ttlStrategy) Touch(string)      {}
func (s *ttlStrategy) Remove(key string) { delete(s.keys, key) }

func (s *ttlStrategy) Evict() (string, bool) {
	now := time.Now()
	var victim string
	var nearest time.Time
	found := false
	for k := range s.keys {
		exp, ok := s.expiryOf(k)
		if !ok {
			continue // non-expiring entries are never TTL candidates
		}
		if !now.Before(exp) {
			// Already expired: always wins.
			delete(s.keys, k)
			return k, true
		}
		if !found || exp.Before(nearest) {
			victim, nearest, found = k, exp, true
		}
	}
	if !found {
		return "", false
	}
	delete(s.keys, victim)
	return victim, true
}

func (s *ttlStrategy) Len() int { return len(s.keys) }

// --- FIFO --------------------------------------------------------------

type fifo struct {
	order *list.List
	pos   map[string]*list.Element
}

func newFIFO() *fifo {
	return &fifo{order: list.New(), pos: make(map[string]*list.Element)}
}

func (s *fifo) Track(key string) {
	if _, ok := s.pos[key]; ok {
		return
	}
	s.pos[key] = s.order.PushBack(key)
}
func (s *fifo) Touch(string) {}
func (s *fifo) Remove(key string) {
	if el, ok := s.pos[key]; ok {
		s.order.Remove(el)
		delete(s.pos, key)
	}
}

func (s *fifo) Evict() (string, bool) {
	front := s.order.Front()
	if front == nil {
		return "", false
	}
	key := front.Value.(string)
	s.order.Remove(front)
	delete(s.pos, key)
	return key, true
}

func (s *fifo) Len() int { return s.order.Len() }

// --- Random --------------------------------------------------------------

type randomStrategy struct {
	keys []string
	pos  map[string]int
}

func newRandomStrategy() *randomStrategy {
	return &randomStrategy{pos: make(map[string]int)}
}

func (s *randomStrategy) Track(key string) {
	if _, ok := s.pos[key]; ok {
		return
	}
	s.pos[key] = len(s.keys)
	s.keys = append(s.keys, key)
}

func (s *randomStrategy) Touch(string) {}

func (s *randomStrategy) Remove(key string) {
	idx, ok := s.pos[key]
	if !ok {
		return
	}
	last := len(s.keys) - 1
	s.keys[idx] = s.keys[last]
	s.pos[s.keys[idx]] = idx
	s.keys = s.keys[:last]
	delete(s.pos, key)
}

func (s *randomStrategy) Evict() (string, bool) {
	if len(s.keys) == 0 {
		return "", false
	}
	idx := rand.Intn(len(s.keys)) //nolint:gosec // eviction choice, not security-sensitive
	key := s.keys[idx]
	s.Remove(key)
	return key, true
}

func (s *randomStrategy) Len() int { return len(s.keys) }

// --- Adaptive: biases between an LRU and an LFU view based on which one's
// recent evictions were re-requested less (i.e. were "good" evictions). ---

type adaptive struct {
	lruView *lru
	lfuView *lfu

	// recentEvictions maps key -> which view evicted it, for scoring when
	// that key is immediately re-tracked (a miss right after eviction is
	// a bad sign for the view that picked it).
	recentEvictions map[string]string
	lruMisses       int
	lfuMisses       int
}

func newAdaptive() *adaptive {
	return &adaptive{
		lruView:         newLRU(),
		lfuView:         newLFU(),
		recentEvictions: make(map[string]string),
	}
}

func (s *adaptive) Track(key string) {
	if view, wasEvicted := s.recentEvictions[key]; wasEvicted {
		delete(s.recentEvictions, key)
		switch view {
		case "lru":
			s.lruMisses++
		case "lfu":
			s.lfuMisses++
		}
	}
	s.lruView.Track(key)
	s.lfuView.Track(key)
}

func (s *adaptive) Touch(key string) {
	s.lruView.Touch(key)
	s.lfuView.Touch(key)
}

func (s *adaptive) Remove(key string) {
	s.lruView.Remove(key)
	s.lfuView.Remove(key)
	delete(s.recentEvictions, key)
}

func (s *adaptive) Evict() (string, bool) {
	// Bias toward whichever view's recent picks caused fewer immediate
	// re-misses; default to LRU.
	useLFU := s.lfuMisses < s.lruMisses
	var key string
	var ok bool
	if useLFU {
		key, ok = s.lfuView.Evict()
		if ok {
			s.recentEvictions[key] = "lfu"
		}
	} else {
		key, ok = s.lruView.Evict()
		if ok {
			s.recentEvictions[key] = "lru"
		}
	}
	if !ok {
		return "", false
	}
	// Keep both views consistent with the chosen eviction.
	s.lruView.Remove(key)
	s.lfuView.Remove(key)
	return key, true
}

func (s *adaptive) Len() int { return s.lruView.Len() }

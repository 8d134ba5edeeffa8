package storage

import "container/list"

// carEntry is the bookkeeping record for one resident key in a CARPolicy.
type carEntry[K comparable] struct {
	key        K
	referenced bool
	inT2       bool // true if this entry lives in the frequent (T2) clock, false if in T1
}

// CARPolicy implements Clock with Adaptive Replacement (CAR): two clock
// lists, T1 (recently-used-once) and T2 (frequently-used), each capped so
// |T1|+|T2| <= slotCount, plus two ghost LRU lists, B1 and B2, that remember
// evicted keys without holding their data so the adaptive target can react
// to renewed interest in recently evicted pages.
//
// CARPolicy is not safe for concurrent use; callers (PageCache,
// PhysicalStorage's descriptor cache) serialise access with their own lock.
type CARPolicy[K comparable] struct {
	slotCount int

	t1, t2 *list.List // elements are *carEntry[K]
	b1, b2 *list.List // elements are K

	index    map[K]*list.Element // key -> element in t1 or t2
	ghostB1  map[K]*list.Element // key -> element in b1
	ghostB2  map[K]*list.Element // key -> element in b2

	target int // "recent_target_size" — adaptive split point for T1 vs T2

	// pendingHistoryTrim is set by a successful Evict and consumed by the
	// next Insert, mirroring evict_replace's "if cache_is_full { evict();
	// if not in history { evict_history() } }" — ghost trimming happens at
	// most once per admission, not once per eviction scan.
	pendingHistoryTrim bool

	// isLocked reports whether the given key is currently pinned and must
	// not be evicted. Supplied by the owner (e.g. a page's latch state).
	isLocked func(K) bool
}

// NewCARPolicy constructs a CAR policy over slotCount resident slots.
// isLocked reports whether a candidate key is currently pinned; pass nil
// if the owner has no notion of pinning.
func NewCARPolicy[K comparable](slotCount int, isLocked func(K) bool) *CARPolicy[K] {
	if isLocked == nil {
		isLocked = func(K) bool { return false }
	}
	return &CARPolicy[K]{
		slotCount: slotCount,
		t1:        list.New(),
		t2:        list.New(),
		b1:        list.New(),
		b2:        list.New(),
		index:     make(map[K]*list.Element),
		ghostB1:   make(map[K]*list.Element),
		ghostB2:   make(map[K]*list.Element),
		isLocked:  isLocked,
	}
}

// Contains reports whether key is currently resident (in T1 or T2).
func (c *CARPolicy[K]) Contains(key K) bool {
	_, ok := c.index[key]
	return ok
}

// Access records a hit on a resident key by setting its referenced bit.
// A hit never itself moves a T1 entry to T2 — promotion only happens when
// evictFrom later encounters that bit set during a clock sweep.
func (c *CARPolicy[K]) Access(key K) {
	el, ok := c.index[key]
	if !ok {
		return
	}
	el.Value.(*carEntry[K]).referenced = true
}

// Insert admits a new key, which must not already be resident. If key was
// recently evicted (present in a ghost list), the adaptive target shifts in
// favor of whichever clock that ghost list shadows and the key enters T2
// directly; otherwise it enters T1 as a fresh, once-seen page.
func (c *CARPolicy[K]) Insert(key K) {
	elB1, inB1 := c.ghostB1[key]
	elB2, inB2 := c.ghostB2[key]

	if c.pendingHistoryTrim {
		c.pendingHistoryTrim = false
		if !inB1 && !inB2 {
			c.trimOldestHistory()
		}
	}

	e := &carEntry[K]{key: key}

	if inB1 {
		grow := max(1, c.b2.Len()/c.b1.Len())
		c.target = min(c.target+grow, c.slotCount)
		c.b1.Remove(elB1)
		delete(c.ghostB1, key)
		e.inT2 = true
		c.index[key] = c.t2.PushBack(e)
		return
	}
	if inB2 {
		grow := max(1, c.b1.Len()/c.b2.Len())
		c.target = max(c.target-grow, 0)
		c.b2.Remove(elB2)
		delete(c.ghostB2, key)
		e.inT2 = true
		c.index[key] = c.t2.PushBack(e)
		return
	}

	c.index[key] = c.t1.PushBack(e)
}

// Evict runs one round of the CAR replacement algorithm, removing and
// returning the victim key and true, or false if no evictable (unlocked)
// key was found.
func (c *CARPolicy[K]) Evict() (K, bool) {
	var zero K
	residentCount := c.t1.Len() + c.t2.Len()
	if residentCount == 0 {
		return zero, false
	}

	for attempts := 0; attempts < 2*residentCount+1; attempts++ {
		preferT1 := c.t1.Len() >= max(c.target, 1)
		if preferT1 && c.t1.Len() > 0 {
			if v, ok := c.evictFrom(c.t1, false); ok {
				c.pendingHistoryTrim = true
				return v, true
			}
			continue
		}
		if c.t2.Len() > 0 {
			if v, ok := c.evictFrom(c.t2, true); ok {
				c.pendingHistoryTrim = true
				return v, true
			}
			continue
		}
		if c.t1.Len() > 0 {
			if v, ok := c.evictFrom(c.t1, false); ok {
				c.pendingHistoryTrim = true
				return v, true
			}
			continue
		}
		break
	}
	return zero, false
}

// evictFrom scans clock lst from the front, looking for a single unlocked,
// unreferenced entry to evict. A referenced, unlocked head is always
// relocated to the back of T2 with its bit cleared — for a T2 head that is
// simply its own clock's second chance; for a referenced T1 head this is a
// promotion into T2, mirroring cache.rs's evict(), which reinserts a
// referenced recent-clock head via frequent.insert rather than cycling it
// within the recent clock. Locked entries are moved to the back of lst
// unchanged, preserving their referenced bit, and scanning continues.
// fromT2 selects which ghost list (B2 vs B1) an evicted key is recorded
// into.
func (c *CARPolicy[K]) evictFrom(lst *list.List, fromT2 bool) (K, bool) {
	var zero K
	n := lst.Len()
	for i := 0; i < n; i++ {
		front := lst.Front()
		if front == nil {
			break
		}
		e := front.Value.(*carEntry[K])
		if c.isLocked(e.key) {
			lst.MoveToBack(front)
			continue
		}
		if e.referenced {
			lst.Remove(front)
			e.referenced = false
			e.inT2 = true
			c.index[e.key] = c.t2.PushBack(e)
			continue
		}
		lst.Remove(front)
		delete(c.index, e.key)
		if fromT2 {
			c.ghostB2[e.key] = c.b2.PushBack(e.key)
		} else {
			c.ghostB1[e.key] = c.b1.PushBack(e.key)
		}
		return e.key, true
	}
	return zero, false
}

// trimOldestHistory drops at most one ghost entry, mirroring evict_history:
// called once per admission (via Insert's pendingHistoryTrim), never once
// per eviction. Recent history (B1) is trimmed first once |T1|+|B1| reaches
// slotCount; otherwise frequent history (B2) is trimmed once the combined
// resident-plus-ghost total reaches 2*slotCount. This keeps |B1|+|B2|
// bounded without capping each list independently.
func (c *CARPolicy[K]) trimOldestHistory() {
	if c.t1.Len()+c.b1.Len() >= c.slotCount {
		if front := c.b1.Front(); front != nil {
			key := front.Value.(K)
			c.b1.Remove(front)
			delete(c.ghostB1, key)
		}
		return
	}
	total := c.t1.Len() + c.t2.Len() + c.b1.Len() + c.b2.Len()
	if total >= 2*c.slotCount {
		if front := c.b2.Front(); front != nil {
			key := front.Value.(K)
			c.b2.Remove(front)
			delete(c.ghostB2, key)
		}
	}
}

// Remove drops key from all internal state (resident or ghost), e.g. when a
// page is explicitly invalidated outside the normal eviction path.
func (c *CARPolicy[K]) Remove(key K) {
	if el, ok := c.index[key]; ok {
		e := el.Value.(*carEntry[K])
		if e.inT2 {
			c.t2.Remove(el)
		} else {
			c.t1.Remove(el)
		}
		delete(c.index, key)
	}
	if el, ok := c.ghostB1[key]; ok {
		c.b1.Remove(el)
		delete(c.ghostB1, key)
	}
	if el, ok := c.ghostB2[key]; ok {
		c.b2.Remove(el)
		delete(c.ghostB2, key)
	}
}

// Len reports the number of resident (non-ghost) keys.
func (c *CARPolicy[K]) Len() int {
	return c.t1.Len() + c.t2.Len()
}

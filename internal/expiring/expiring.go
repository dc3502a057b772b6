// Package expiring introduces tables with the ability to prune their own elements.
package expiring

import (
	"sync"
	"time"
)

// wrapped value with an (optional) expiration timer attached
type timedV[value_t any] struct {
	val value_t
	exp *time.Timer // nil if the value never expires
}

// A Table is a mutex-guarded map whose elements can prune themselves after their duration elapses.
// The zero value is ready for immediate use.
//
// NOTE: Tables should only be passed by reference due to underlying mutex use.
//
// NOTE: accessing elements AT their expiration time is, by its very nature, a race.
// If a timer has not expired, then its associated data is guaranteed to not have been pruned. The inverse is not guaranteed.
type Table[key_t comparable, value_t any] struct {
	mu sync.Mutex
	m  map[key_t]timedV[value_t]
}

// Store saves the given k/v and sets them to expire after the given time.
// An expire <= 0 keeps the value until it is deleted or overwritten.
// If a value was previously associated to this key, it will be overwritten and its timer stopped.
// cleanup functions will be called in given order after an expired key is deleted from the table.
func (tbl *Table[k, v]) Store(key k, value v, expire time.Duration, cleanup ...func()) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if tbl.m == nil {
		tbl.m = make(map[k]timedV[v])
	}
	if old, found := tbl.m[key]; found && old.exp != nil {
		old.exp.Stop()
	}

	tVal := timedV[v]{val: value}
	if expire > 0 {
		var timer *time.Timer
		timer = time.AfterFunc(expire, func() {
			tbl.mu.Lock()
			// only remove the value this timer was armed for; it may have been replaced since
			if cur, found := tbl.m[key]; !found || cur.exp != timer {
				tbl.mu.Unlock()
				return
			}
			delete(tbl.m, key)
			tbl.mu.Unlock()
			for _, f := range cleanup {
				f()
			}
		})
		tVal.exp = timer
	}
	tbl.m[key] = tVal
}

// Load fetches the value associated to the given key if available.
func (tbl *Table[key_t, value_t]) Load(key key_t) (value value_t, found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tVal, found := tbl.m[key]
	return tVal.val, found
}

// Delete destroys a key in the map and stops its timer (if found).
// Ineffectual if key is not found.
func (tbl *Table[key_t, value_t]) Delete(key key_t) (found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	return tbl.delete(key)
}

// DeleteFunc deletes every key for which del returns true and returns how many were deleted.
// del is called with the table lock held and must not use the table.
func (tbl *Table[key_t, value_t]) DeleteFunc(del func(key_t, value_t) bool) (count int) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	for k, tVal := range tbl.m {
		if del(k, tVal.val) {
			tbl.delete(k)
			count++
		}
	}
	return count
}

// caller must hold the lock
func (tbl *Table[key_t, value_t]) delete(key key_t) bool {
	tVal, found := tbl.m[key]
	if !found {
		return false
	}
	if tVal.exp != nil {
		tVal.exp.Stop()
	}
	delete(tbl.m, key)
	return true
}

// Values returns a copy of every value currently in the table, in no particular order.
func (tbl *Table[key_t, value_t]) Values() []value_t {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	out := make([]value_t, 0, len(tbl.m))
	for _, tVal := range tbl.m {
		out = append(out, tVal.val)
	}
	return out
}

// Len returns the number of elements in the table.
func (tbl *Table[key_t, value_t]) Len() int {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	return len(tbl.m)
}

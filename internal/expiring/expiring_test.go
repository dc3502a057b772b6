package expiring_test

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Pallinder/go-randomdata"
	. "github.com/rflandau/fwdist/internal/testsupport"
	"github.com/rflandau/fwdist/internal/expiring"
)

func TestTable(t *testing.T) {
	t.Run("prune on timeout", func(t *testing.T) {
		var tbl expiring.Table[int, float64]

		k, timeout := 0, 5*time.Millisecond
		tbl.Store(k, 1.1, timeout)
		time.Sleep(timeout + 5*time.Millisecond)
		if v, found := tbl.Load(k); found {
			t.Errorf("k/v %d/%v should have expired, but was found", k, v)
		}
	})

	t.Run("no expiry", func(t *testing.T) {
		var tbl expiring.Table[string, bool]
		key := randomdata.SillyName()
		tbl.Store(key, true, 0)
		time.Sleep(10 * time.Millisecond)
		checkLoad(t, &tbl, key, true, true)
	})

	t.Run("overwrite stops the old timer", func(t *testing.T) {
		var tbl expiring.Table[string, string]
		key, val := "coordinator", "node"

		tbl.Store(key, val, 5*time.Millisecond)
		tbl.Store(key, val, 0)
		time.Sleep(15 * time.Millisecond)
		checkLoad(t, &tbl, key, true, val)
	})

	t.Run("delete elements", func(t *testing.T) {
		var tbl expiring.Table[string, string]
		key, val := randomdata.City(), randomdata.Country(randomdata.FullCountry)
		tbl.Store(key, val, 40*time.Millisecond)
		if !tbl.Delete(key) {
			t.Fatalf("failed to delete key='%v': not found", key)
		}
		checkLoad(t, &tbl, key, false, val)
		if tbl.Delete(key) {
			t.Fatal("successfully deleted non-existent key")
		}
	})

	t.Run("cleanup functions run in order on expiry only", func(t *testing.T) {
		var (
			tbl      expiring.Table[int, int]
			mu       sync.Mutex
			order    []int
			expected = []int{1, 2}
		)
		record := func(i int) func() {
			return func() { mu.Lock(); order = append(order, i); mu.Unlock() }
		}
		tbl.Store(1, 1, 10*time.Millisecond, record(1), record(2))
		tbl.Store(2, 2, 10*time.Millisecond, record(99))
		tbl.Delete(2)
		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if !slices.Equal(order, expected) {
			t.Fatal("clean up functions did not execute properly", ExpectedActual(expected, order))
		}
	})
}

func TestTable_DeleteFunc(t *testing.T) {
	var tbl expiring.Table[int, string]
	for i := range 10 {
		tbl.Store(i, randomdata.SillyName(), time.Duration(i%2)*time.Hour)
	}
	if n := tbl.DeleteFunc(func(k int, _ string) bool { return k%2 == 0 }); n != 5 {
		t.Error("bad delete count", ExpectedActual(5, n))
	}
	if tbl.Len() != 5 {
		t.Error("bad length", ExpectedActual(5, tbl.Len()))
	}
	if vals := tbl.Values(); len(vals) != 5 {
		t.Error("bad value count", ExpectedActual(5, len(vals)))
	}
}

// tests the load returns the expected value and found state.
// Value is only checked if an element was found.
func checkLoad[key_t comparable, val_t comparable](t *testing.T, tbl *expiring.Table[key_t, val_t], key key_t, expectedFound bool, expectedVal val_t) {
	t.Helper()
	v, found := tbl.Load(key)
	if found != expectedFound {
		t.Error("incorrect found", ExpectedActual(expectedFound, found))
	}
	if found && (v != expectedVal) {
		t.Error("incorrect value retrieved", ExpectedActual(expectedVal, v))
	}
}

package distributor

import (
	"net/netip"
	"sync"

	"github.com/rflandau/fwdist/ond"
)

// key identifies a broadcast download.
// At most one download per key may be registered at a time.
type key struct {
	coord netip.Addr
	id    ond.FirmwareID
}

// registry is the set of in-flight downloads.
// Registration is atomic with respect to lookups, so two starts for the same key cannot both succeed.
type registry struct {
	mu        sync.Mutex
	downloads map[key]*download
}

// tryRegister installs dl under its key.
// Returns ond.ErrAlreadyRunning if another download holds the key.
func (r *registry) tryRegister(dl *download) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.downloads == nil {
		r.downloads = make(map[key]*download)
	}
	if _, found := r.downloads[dl.key]; found {
		return ond.ErrAlreadyRunning
	}
	r.downloads[dl.key] = dl
	return nil
}

// find returns the download registered under k, if any.
func (r *registry) find(k key) (*download, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dl, found := r.downloads[k]
	return dl, found
}

// remove unregisters dl.
// Ineffectual if dl is no longer the download registered under its key.
func (r *registry) remove(dl *download) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, found := r.downloads[dl.key]; found && cur == dl {
		delete(r.downloads, dl.key)
	}
}

// all returns every registered download.
func (r *registry) all() []*download {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*download, 0, len(r.downloads))
	for _, dl := range r.downloads {
		out = append(out, dl)
	}
	return out
}

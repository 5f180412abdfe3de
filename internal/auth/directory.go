package auth

import (
	"encoding/json"
	"math/rand"
	"time"

	"github.com/coocood/freecache"
)

// record is the shape cached at every tier: the relational store's
// positive value, or an empty value with Present=false standing in for
// the spec's negative marker.
type record struct {
	Present  bool   `json:"present"`
	ID       int64  `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Digest   string `json:"digest,omitempty"`
}

// directoryCache is the two in-process bounded LRU+TTL caches spec.md §4.7
// describes, keyed by username and by phone respectively. freecache gives
// byte-bounded capacity with native per-key TTL, which is what backs the
// donor cache repo's in-memory tier too.
type directoryCache struct {
	byName  *freecache.Cache
	byPhone *freecache.Cache
	ttl     time.Duration
}

// averageEntryBytes approximates a cached record's on-wire size, used to
// translate the spec's "1024 entries" default into freecache's
// byte-bounded capacity.
const averageEntryBytes = 256

func newDirectoryCache(capacityEntries int, ttl time.Duration) *directoryCache {
	size := capacityEntries * averageEntryBytes
	if size < 1024*1024 {
		size = 1024 * 1024 // freecache's own minimum segment size
	}
	return &directoryCache{
		byName:  freecache.NewCache(size),
		byPhone: freecache.NewCache(size),
		ttl:     ttl,
	}
}

func (d *directoryCache) getName(name string) (record, bool) {
	return get(d.byName, name)
}

func (d *directoryCache) getPhone(phone string) (record, bool) {
	return get(d.byPhone, phone)
}

func (d *directoryCache) setName(name string, r record) {
	set(d.byName, name, r, d.ttl)
}

func (d *directoryCache) setPhone(phone string, r record) {
	set(d.byPhone, phone, r, d.ttl)
}

func (d *directoryCache) delName(name string) { d.byName.Del([]byte(name)) }
func (d *directoryCache) delPhone(phone string) { d.byPhone.Del([]byte(phone)) }

func get(c *freecache.Cache, key string) (record, bool) {
	raw, err := c.Get([]byte(key))
	if err != nil {
		return record{}, false
	}
	var r record
	if json.Unmarshal(raw, &r) != nil {
		return record{}, false
	}
	return r, true
}

func set(c *freecache.Cache, key string, r record, ttl time.Duration) {
	raw, err := json.Marshal(r)
	if err != nil {
		return
	}
	_ = c.Set([]byte(key), raw, int(ttl.Seconds()))
}

// jittered returns base plus a uniform random duration in [0, jitter).
func jittered(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(jitter)))
}

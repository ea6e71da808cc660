// Package replica implements replica identity and the per-replica key index
// described in SPEC_FULL.md §4.4. A replica is identified by its listening
// socket, packed into a uint64 exactly as original_source/crates/server/src
// /lib.rs's socketaddr_to_u64/u64_to_socketaddr do: the four IPv4 octets, as
// a big-endian 32-bit value, shifted left by 16 (bits 16-47), and the port
// in the low 16 bits.
package replica

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// Encode packs an IPv4 "host:port" socket address into the replica id space
// used throughout the wire protocol and commit log.
func Encode(addr string) (uint64, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("replica.Encode(%q): %w", addr, err)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return 0, fmt.Errorf("replica.Encode(%q): invalid IP %q", addr, host)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, fmt.Errorf("replica.Encode(%q): only IPv4 is supported", addr)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("replica.Encode(%q): invalid port %q", addr, portStr)
	}

	octets := uint64(ip4[0])<<24 | uint64(ip4[1])<<16 | uint64(ip4[2])<<8 | uint64(ip4[3])
	return octets<<16 | port, nil
}

// Decode reverses Encode, producing the canonical "ip:port" form.
func Decode(id uint64) string {
	port := id & 0xffff
	octets := id >> 16
	a := (octets >> 24) & 0xff
	b := (octets >> 16) & 0xff
	c := (octets >> 8) & 0xff
	d := octets & 0xff
	return fmt.Sprintf("%d.%d.%d.%d:%d", a, b, c, d, port)
}

// MustEncode is Encode for call sites working with addresses already
// validated at startup (flag/env parsing).
func MustEncode(addr string) uint64 {
	id, err := Encode(addr)
	if err != nil {
		panic(err)
	}
	return id
}

// Index tracks, per known replica, the ordered list of keys that replica is
// believed to hold. The list is strictly append-only at any given position:
// once index i of a replica's list names a key, it never changes — only a
// longer list can replace a shorter one (spec.md I3, P4). This mirrors
// handle_update's replica_keys application in original_source/crates/server
// /src/lib.rs: "only extend an entry if the incoming length is >= current".
type Index struct {
	mu    sync.RWMutex
	lists map[uint64][]uint64
}

// NewIndex creates an Index seeded with an empty list for each of the given
// replica ids (self plus configured neighbours, per SPEC_FULL.md §6).
func NewIndex(replicaIDs ...uint64) *Index {
	idx := &Index{lists: make(map[uint64][]uint64)}
	for _, id := range replicaIDs {
		idx.lists[id] = nil
	}
	return idx
}

// Keys returns a snapshot copy of replica's known key list.
func (idx *Index) Keys(replica uint64) []uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	list := idx.lists[replica]
	out := make([]uint64, len(list))
	copy(out, list)
	return out
}

// Len returns how many keys are currently attributed to replica.
func (idx *Index) Len(replica uint64) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.lists[replica])
}

// Has reports whether replica is already tracked, even if its key list is
// currently empty. Used to distinguish "known replica with 0 keys" from
// "replica never seen before" (spec.md §4.4: an unrecognized replica in a
// digest is added fresh with an empty list rather than compared).
func (idx *Index) Has(replica uint64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.lists[replica]
	return ok
}

// Observe records replica as known with an empty key list if it is not
// already tracked; it is a no-op if replica is already present.
func (idx *Index) Observe(replica uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.lists[replica]; !ok {
		idx.lists[replica] = nil
	}
}

// Append adds key to the end of replica's list, returning the index it was
// placed at. Used when this node observes a key for the first time (from a
// client push or handle_update's key_values branch) and appends it to its
// own list.
func (idx *Index) Append(replica uint64, key uint64) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.lists[replica] = append(idx.lists[replica], key)
	return len(idx.lists[replica]) - 1
}

// Reset truncates replica's list to empty. This is the deliberately lossy
// behaviour handle_digest performs when a replica's own digest reports
// fewer keys for itself than this node has on record for it: the
// two are allowed to diverge and the receiving node just forgets its own
// claim about that replica's length rather than reconciling it (spec.md Q1,
// decided in DESIGN.md).
func (idx *Index) Reset(replica uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.lists[replica] = nil
}

// Set installs keys as replica's list only if it is at least as long as what
// is already on record: a whole-list form of handle_update's "only apply if
// i >= current length" rule (a shorter incoming list never regresses a
// longer local one). The update path applies entries one at a time through
// SetAt instead.
func (idx *Index) Set(replica uint64, keys []uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(keys) < len(idx.lists[replica]) {
		return
	}
	cp := make([]uint64, len(keys))
	copy(cp, keys)
	idx.lists[replica] = cp
}

// SetAt installs key at position i of replica's list if i is at or beyond
// the list's current length, growing it as needed. This is the per-entry
// form of the same append-only rule, used when applying an UpdateBody's
// ReplicaKeys entries one KeyOrder at a time.
func (idx *Index) SetAt(replica uint64, i int, key uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	list := idx.lists[replica]
	if i < len(list) {
		return
	}
	for len(list) <= i {
		list = append(list, 0)
	}
	list[i] = key
	idx.lists[replica] = list
}

// Replicas returns every replica id currently tracked, in no particular
// order.
func (idx *Index) Replicas() []uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]uint64, 0, len(idx.lists))
	for id := range idx.lists {
		out = append(out, id)
	}
	return out
}

// ParseNeighbours splits a comma-separated neighbour list into individual
// "ip:port" addresses. cmd/secko-server does not call it: its command line
// takes each neighbour as a separate positional argument.
func ParseNeighbours(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

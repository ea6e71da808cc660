// Package fingerprint computes the fixed, process-independent 64-bit hash
// that identifies a value throughout the cluster.
//
// spec.md invariant I6 requires that a client and every replica agree on
// hash(V) without coordination, so the function must carry no per-process
// seed or salt — see SPEC_FULL.md redesign flag R1 for why this uses
// FNV-1a rather than a randomized hash.
package fingerprint

import "hash/fnv"

// Hash returns the fixed 64-bit FNV-1a fingerprint of value's bytes.
func Hash(value string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(value))
	return h.Sum64()
}

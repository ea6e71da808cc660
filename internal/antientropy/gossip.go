// Package antientropy implements the digest/update gossip protocol
// described in SPEC_FULL.md §4.4, grounded on
// original_source/crates/server/src/main.rs's digest_forward thread and
// handle_digest/handle_update functions, and create_digest in
// original_source/crates/server/src/lib.rs.
package antientropy

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pranav-super/secko/internal/commitlog"
	"github.com/pranav-super/secko/internal/metrics"
	"github.com/pranav-super/secko/internal/replica"
	"github.com/pranav-super/secko/internal/store"
	"github.com/pranav-super/secko/internal/wire"
)

// Dialer opens a connection to a peer address, abstracted so tests can
// substitute an in-memory transport.
type Dialer func(addr string) (net.Conn, error)

// TCPDialer dials a real TCP connection with the given timeout.
func TCPDialer(timeout time.Duration) Dialer {
	return func(addr string) (net.Conn, error) {
		return net.DialTimeout("tcp", addr, timeout)
	}
}

// CreateDigest builds the digest this node advertises to a peer: for every
// replica it is tracking, how many keys it believes that replica holds.
func CreateDigest(index *replica.Index) []wire.DigestPair {
	replicas := index.Replicas()
	digest := make([]wire.DigestPair, 0, len(replicas))
	for _, id := range replicas {
		digest = append(digest, wire.DigestPair{ReplicaID: id, Keys: index.Len(id)})
	}
	return digest
}

// Sender periodically picks a random known peer and sends it this node's
// digest. It never waits for a reply on the same connection: the peer
// responds, if at all, with a fresh Update connection handled separately by
// the ai listener (see HandleDigest).
type Sender struct {
	SelfID  uint64
	Index   *replica.Index
	Limiter *rate.Limiter
	Dial    Dialer
	Logger  zerolog.Logger
}

// Run blocks, sending one digest per limiter tick until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) {
	for {
		if err := s.Limiter.Wait(ctx); err != nil {
			return // context cancelled
		}
		s.sendOnce(ctx)
	}
}

func (s *Sender) sendOnce(ctx context.Context) {
	peers := s.Index.Replicas()
	candidates := peers[:0:0]
	for _, id := range peers {
		if id != s.SelfID {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return
	}
	peer := candidates[rand.Intn(len(candidates))]

	conn, err := s.Dial(replica.Decode(peer))
	if err != nil {
		metrics.GossipSendsTotal.WithLabelValues("dial_error").Inc()
		s.Logger.Debug().Uint64("peer", peer).Err(err).Msg("gossip dial failed, will retry")
		return
	}
	defer conn.Close()

	digest := CreateDigest(s.Index)
	msg := wire.Message{Tag: wire.TagDigest, Sender: s.SelfID, Digest: digest}
	if err := wire.Encode(conn, msg); err != nil {
		metrics.GossipSendsTotal.WithLabelValues("send_error").Inc()
		s.Logger.Debug().Uint64("peer", peer).Err(err).Msg("gossip send failed")
		return
	}
	metrics.GossipSendsTotal.WithLabelValues("ok").Inc()
}

// HandleDigest applies an incoming digest from sender and replies with an
// Update message carrying what this node has that sender doesn't, per
// spec.md §4.4's shuffle/cap/reset rules.
//
// keyCap bounds the total number of distinct keys included across the whole
// response (spec.md's 250-key MTU-driven limit). sendingRate is read once
// to stamp the response's advertised rate, mirroring the Rust
// implementation's RwLock<f64> read.
func HandleDigest(
	st *store.Store[string],
	index *replica.Index,
	selfID, sender uint64,
	digest []wire.DigestPair,
	keyCap int,
	sendingRate float64,
	dial Dialer,
	logger zerolog.Logger,
) error {
	metrics.DigestsReceivedTotal.Inc()

	shuffled := make([]wire.DigestPair, len(digest))
	copy(shuffled, digest)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	keys := make(map[uint64]struct{})
	hostKeys := make(map[uint64][]wire.KeyOrder)

outer:
	for _, pair := range shuffled {
		if !index.Has(pair.ReplicaID) {
			index.Observe(pair.ReplicaID)
			continue
		}

		local := index.Keys(pair.ReplicaID)
		length := len(local)

		switch {
		case length > pair.Keys && pair.ReplicaID == sender:
			// Sender's own digest claims fewer keys than we have on record
			// for it: let our record regress to match rather than
			// reconciling, per spec.md Q1 (see DESIGN.md).
			index.Reset(pair.ReplicaID)

		case length > pair.Keys:
			if len(keys) >= keyCap {
				break outer
			}
			var orders []wire.KeyOrder
			for i := pair.Keys; i < length; i++ {
				if len(keys) >= keyCap {
					break
				}
				keys[local[i]] = struct{}{}
				orders = append(orders, wire.KeyOrder{Key: local[i], Index: i})
			}
			hostKeys[pair.ReplicaID] = orders
		}
	}

	kvPairs := make([]wire.KVPair, 0, len(keys))
	for k := range keys {
		v, ok := st.Get(k)
		if !ok {
			logger.Error().Uint64("key", k).Uint64("sender", sender).Msg("digest response referenced a key missing from the store")
			continue
		}
		kvPairs = append(kvPairs, wire.KVPair{Key: k, Value: v})
	}

	conn, err := dial(replica.Decode(sender))
	if err != nil {
		return fmt.Errorf("dial sender %d to reply to digest: %w", sender, err)
	}
	defer conn.Close()

	resp := wire.Message{
		Tag:    wire.TagUpdate,
		Sender: selfID,
		Update: wire.UpdateBody{
			SendingRate: sendingRate,
			ReplicaKeys: hostKeys,
			KeyValues:   kvPairs,
		},
	}
	if err := wire.Encode(conn, resp); err != nil {
		return fmt.Errorf("send update response to %d: %w", sender, err)
	}
	return nil
}

// HandleUpdate applies an incoming Update message: new key/value pairs are
// inserted and enqueued for commit, then each replica's key index is
// extended by the append-only rule in spec.md §4.4/I3.
func HandleUpdate(
	st *store.Store[string],
	index *replica.Index,
	selfID uint64,
	update wire.UpdateBody,
	commits chan<- commitlog.Commit,
	logger zerolog.Logger,
) {
	metrics.UpdatesReceivedTotal.Inc()
	metrics.UpdateKeyValuesSize.Observe(float64(len(update.KeyValues)))

	for _, kv := range update.KeyValues {
		if _, existed := st.Insert(kv.Key, kv.Value); existed {
			continue
		}
		commits <- commitlog.Commit{Key: kv.Key, Value: kv.Value}
		index.Append(selfID, kv.Key)
		metrics.StoreKeys.Set(float64(st.Len()))
	}

	for replicaID, orders := range update.ReplicaKeys {
		if replicaID == selfID {
			continue
		}
		for _, order := range orders {
			index.SetAt(replicaID, order.Index, order.Key)
		}
	}
}

// Package server wires the acceptor loops, worker pools, and protocol
// handlers together into the running secko process (SPEC_FULL.md §4.3,
// §4.4, §5), adapted from the teacher's Server/WorkerPool lifecycle.
package server

import (
	"net"
	"time"

	"github.com/pranav-super/secko/internal/commitlog"
	"github.com/pranav-super/secko/internal/fingerprint"
	"github.com/pranav-super/secko/internal/metrics"
	"github.com/pranav-super/secko/internal/replica"
	"github.com/pranav-super/secko/internal/wire"
)

// handleClient drives one client connection for its whole lifetime,
// processing requests in order until the client disconnects, exactly as
// handle_request does in original_source/crates/server/src/main.rs.
func (s *Server) handleClient(conn net.Conn) {
	defer conn.Close()

	for {
		msg, err := wire.Decode(conn)
		if err != nil {
			s.logger.Debug().Err(err).Msg("client connection read failed")
			return
		}

		switch msg.Tag {
		case wire.TagConnectionClosed:
			return

		case wire.TagPushReq:
			s.handlePush(conn, msg.Push)

		case wire.TagRetrieveReq:
			s.handleRetrieve(conn, msg.RetrieveKey)

		case wire.TagDumpReq:
			s.handleDump(conn)

		case wire.TagDumpLenReq:
			s.handleDumpLen(conn)

		case wire.TagClusterReq:
			s.handleCluster(conn)

		default:
			s.logger.Warn().Str("tag", msg.Tag.String()).Msg("unrecognized client message")
			return
		}
	}
}

func (s *Server) handlePush(conn net.Conn, kv wire.KVPair) {
	start := time.Now()
	defer func() { metrics.RequestDuration.WithLabelValues("push").Observe(time.Since(start).Seconds()) }()
	metrics.RequestsTotal.WithLabelValues("push").Inc()

	if fingerprint.Hash(kv.Value) != kv.Key {
		metrics.PushRejected.Inc()
		wire.Encode(conn, wire.Message{Tag: wire.TagError, ErrorMessage: "Hash of value doesn't match."})
		return
	}

	// Reply before enqueueing the commit: the client only needs to know the
	// value is now visible in the store, not that it is durable yet
	// (spec.md P1/P5 — push ack precedes commit-log durability).
	_, existed := s.store.Insert(kv.Key, kv.Value)
	wire.Encode(conn, wire.Message{Tag: wire.TagPushResp, PushSuccess: true})
	if existed {
		return
	}
	metrics.StoreKeys.Set(float64(s.store.Len()))

	enqueueStart := time.Now()
	s.commits <- commitlog.Commit{Key: kv.Key, Value: kv.Value}
	metrics.CommitEnqueueDuration.Observe(time.Since(enqueueStart).Seconds())

	s.index.Append(s.selfID, kv.Key)
}

func (s *Server) handleRetrieve(conn net.Conn, key uint64) {
	start := time.Now()
	defer func() { metrics.RequestDuration.WithLabelValues("retrieve").Observe(time.Since(start).Seconds()) }()
	metrics.RequestsTotal.WithLabelValues("retrieve").Inc()

	v, ok := s.store.Get(key)
	resp := wire.Message{Tag: wire.TagRetrieveResp}
	if ok {
		resp.RetrieveResp = wire.FoundValue{Found: true, Value: v}
	} else {
		resp.RetrieveResp = wire.FoundValue{Found: false}
	}
	wire.Encode(conn, resp)
}

func (s *Server) handleDump(conn net.Conn) {
	metrics.RequestsTotal.WithLabelValues("dump").Inc()
	pairs := s.store.Dump()
	entries := make([]wire.KVPair, len(pairs))
	for i, p := range pairs {
		entries[i] = wire.KVPair{Key: p.Key, Value: p.Value}
	}
	wire.Encode(conn, wire.Message{Tag: wire.TagDumpResp, DumpEntries: entries})
}

func (s *Server) handleDumpLen(conn net.Conn) {
	metrics.RequestsTotal.WithLabelValues("dump_len").Inc()
	wire.Encode(conn, wire.Message{Tag: wire.TagDumpLenResp, DumpLen: s.store.Len()})
}

func (s *Server) handleCluster(conn net.Conn) {
	metrics.RequestsTotal.WithLabelValues("cluster").Inc()
	nodes := make([]wire.ClusterNode, 0)
	for _, id := range s.index.Replicas() {
		nodes = append(nodes, wire.ClusterNode{ReplicaID: replica.Decode(id)})
	}
	wire.Encode(conn, wire.Message{Tag: wire.TagClusterResp, ClusterNodes: nodes})
}

package server

import (
	"net"

	"github.com/pranav-super/secko/internal/antientropy"
	"github.com/pranav-super/secko/internal/wire"
)

// handlePeerConnection reads exactly one message off an incoming
// anti-entropy connection and dispatches it to the digest or update
// pipeline, matching the ai_listener loop in
// original_source/crates/server/src/main.rs. Peer connections are one-shot:
// a sender opens a fresh connection per digest or update rather than
// keeping one open for the lifetime of the relationship.
func (s *Server) handlePeerConnection(conn net.Conn) {
	defer conn.Close()

	msg, err := wire.Decode(conn)
	if err != nil {
		s.logger.Debug().Err(err).Msg("peer connection read failed")
		return
	}

	switch msg.Tag {
	case wire.TagDigest:
		s.digestPool.Submit(func() {
			sendingRate := float64(s.gossipLimiter.Limit())
			err := antientropy.HandleDigest(
				s.store, s.index, s.selfID, msg.Sender, msg.Digest,
				s.cfg.GossipKeyCap, sendingRate, s.dial, s.logger,
			)
			if err != nil {
				s.logger.Debug().Err(err).Uint64("sender", msg.Sender).Msg("digest handling failed")
			}
		})

	case wire.TagUpdate:
		s.updatePool.Submit(func() {
			antientropy.HandleUpdate(s.store, s.index, s.selfID, msg.Update, s.commits, s.logger)
		})

	case wire.TagConnectionClosed:
		return

	default:
		s.logger.Warn().Str("tag", msg.Tag.String()).Msg("unexpected message on peer listener")
		wire.Encode(conn, wire.Message{Tag: wire.TagError, ErrorMessage: "Invalid Message Sent."})
	}
}

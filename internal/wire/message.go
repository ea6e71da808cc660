// Package wire implements the length-prefixed message codec described in
// SPEC_FULL.md §4.2: an 8-byte big-endian length prefix followed by a
// self-describing binary encoding of one tagged message variant.
//
// Go has no native tagged union, so the corpus's idiomatic substitute — one
// struct carrying a discriminant plus a field per variant's payload,
// encoded with the standard library's encoding/gob — stands in for the
// Rust original's `enum Message { ... }` (original_source/crates/messages/
// src/lib.rs). Only the field matching Tag is meaningful on any given
// Message; the rest are left at their zero value.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// Tag discriminates which variant of Message is populated.
type Tag uint8

const (
	TagRetrieveReq Tag = iota
	TagRetrieveResp
	TagPushReq
	TagPushResp
	TagDumpReq
	TagDumpResp
	TagDumpLenReq
	TagDumpLenResp
	TagClusterReq
	TagClusterResp
	TagError
	TagConnectionClosed
	TagDigest
	TagUpdate
)

func (t Tag) String() string {
	switch t {
	case TagRetrieveReq:
		return "RetrieveReq"
	case TagRetrieveResp:
		return "RetrieveResp"
	case TagPushReq:
		return "PushReq"
	case TagPushResp:
		return "PushResp"
	case TagDumpReq:
		return "DumpReq"
	case TagDumpResp:
		return "DumpResp"
	case TagDumpLenReq:
		return "DumpLenReq"
	case TagDumpLenResp:
		return "DumpLenResp"
	case TagClusterReq:
		return "ClusterReq"
	case TagClusterResp:
		return "ClusterResp"
	case TagError:
		return "Error"
	case TagConnectionClosed:
		return "ConnectionClosed"
	case TagDigest:
		return "Digest"
	case TagUpdate:
		return "Update"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// KVPair is a (key, value) pair as carried on the wire.
type KVPair struct {
	Key   uint64
	Value string
}

// FoundValue is the payload of RetrieveResp: either the value was found, or
// it wasn't. This is the Go rendering of the Rust `FoundValue` two-variant
// enum.
type FoundValue struct {
	Found bool
	Value string
}

// ClusterNode is one entry of a ClusterResp.
type ClusterNode struct {
	ReplicaID string // rendered as "ip:port"
}

// DigestPair is one (replica, observed key count) entry of a digest.
type DigestPair struct {
	ReplicaID uint64
	Keys      int
}

// KeyOrder is a (key, index) pair naming the i-th key a replica is known to
// hold, used inside UpdateBody.ReplicaKeys.
type KeyOrder struct {
	Key   uint64
	Index int
}

// UpdateBody is the payload of an UpdateMessage.
type UpdateBody struct {
	SendingRate float64
	ReplicaKeys map[uint64][]KeyOrder
	KeyValues   []KVPair
}

// Message is the tagged union of every request, response, and gossip
// message in the protocol (SPEC_FULL.md §4.2).
type Message struct {
	Tag Tag

	// RetrieveReq / RetrieveResp
	RetrieveKey  uint64
	RetrieveResp FoundValue

	// PushReq / PushResp
	Push        KVPair
	PushSuccess bool

	// DumpResp
	DumpEntries []KVPair

	// DumpLenResp
	DumpLen int

	// ClusterResp
	ClusterNodes []ClusterNode

	// Error
	ErrorMessage string

	// Digest / Update
	Sender uint64
	Digest []DigestPair
	Update UpdateBody
}

// Encode serialises msg as a length-prefixed frame onto w.
func Encode(w io.Writer, msg Message) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	var lenPrefix [8]byte
	binary.BigEndian.PutUint64(lenPrefix[:], uint64(buf.Len()))

	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// Decode reads one length-prefixed frame from r. A zero-length prefix
// (end-of-stream / graceful close) is surfaced as a Message with
// Tag == TagConnectionClosed and a nil error, per SPEC_FULL.md §4.2.
func Decode(r io.Reader) (Message, error) {
	var lenPrefix [8]byte
	n, err := io.ReadFull(r, lenPrefix[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return Message{Tag: TagConnectionClosed}, nil
		}
		return Message{}, fmt.Errorf("read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint64(lenPrefix[:])
	if length == 0 {
		return Message{Tag: TagConnectionClosed}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("read payload: %w", err)
	}

	var msg Message
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		{Tag: TagRetrieveReq, RetrieveKey: 42},
		{Tag: TagRetrieveResp, RetrieveResp: FoundValue{Found: true, Value: "hello"}},
		{Tag: TagRetrieveResp, RetrieveResp: FoundValue{Found: false}},
		{Tag: TagPushReq, Push: KVPair{Key: 1, Value: "x"}},
		{Tag: TagPushResp, PushSuccess: true},
		{Tag: TagDumpReq},
		{Tag: TagDumpResp, DumpEntries: []KVPair{{Key: 1, Value: "a"}, {Key: 2, Value: "b"}}},
		{Tag: TagDumpLenReq},
		{Tag: TagDumpLenResp, DumpLen: 7},
		{Tag: TagClusterReq},
		{Tag: TagClusterResp, ClusterNodes: []ClusterNode{{ReplicaID: "127.0.0.1:9000"}}},
		{Tag: TagError, ErrorMessage: "Hash of value doesn't match."},
		{
			Tag:    TagDigest,
			Sender: 99,
			Digest: []DigestPair{{ReplicaID: 1, Keys: 3}},
		},
		{
			Tag:    TagUpdate,
			Sender: 99,
			Update: UpdateBody{
				SendingRate: 1.5,
				ReplicaKeys: map[uint64][]KeyOrder{1: {{Key: 10, Index: 0}}},
				KeyValues:   []KVPair{{Key: 10, Value: "v"}},
			},
		},
	}

	for _, msg := range cases {
		var buf bytes.Buffer
		if err := Encode(&buf, msg); err != nil {
			t.Fatalf("Encode(%s) failed: %v", msg.Tag, err)
		}

		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode after Encode(%s) failed: %v", msg.Tag, err)
		}
		if got.Tag != msg.Tag {
			t.Fatalf("round-tripped tag = %s, want %s", got.Tag, msg.Tag)
		}
	}
}

func TestDecodeEmptyStreamIsConnectionClosed(t *testing.T) {
	msg, err := Decode(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("Decode on empty stream returned error: %v", err)
	}
	if msg.Tag != TagConnectionClosed {
		t.Fatalf("Decode on empty stream tag = %s, want ConnectionClosed", msg.Tag)
	}
}

func TestDecodeTruncatedLengthPrefixErrors(t *testing.T) {
	// 3 bytes can never complete an 8-byte length prefix after some data was
	// already seen (a clean EOF at offset 0 is ConnectionClosed, but a
	// partial prefix is a genuine protocol error).
	_, err := Decode(bytes.NewReader([]byte{1, 2, 3}))
	if err == nil {
		t.Fatal("expected error decoding a truncated length prefix, got nil")
	}
}

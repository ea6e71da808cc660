package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pranav-super/secko/internal/antientropy"
	"github.com/pranav-super/secko/internal/commitlog"
	"github.com/pranav-super/secko/internal/config"
	"github.com/pranav-super/secko/internal/fingerprint"
	"github.com/pranav-super/secko/internal/wire"
)

func testConfig() *config.Config {
	return &config.Config{
		ClientWorkers:        2,
		ClientQueueSize:      16,
		DigestWorkers:        2,
		DigestQueueSize:      16,
		UpdateWorkers:        2,
		UpdateQueueSize:      16,
		CommitQueueSize:      64,
		GossipKeyCap:         250,
		SnapshotInterval:     time.Hour,
		ConnRateIPBurst:      1000,
		ConnRateIPPerSecond:  1000,
		ConnRateGlobalBurst:  10000,
		ConnRateGlobalPerSec: 10000,
		SysMonitorInterval:   time.Hour,
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

func newTestServer(t *testing.T, neighbours ...string) (*Server, string, string) {
	t.Helper()
	dir := t.TempDir()
	st, log, err := commitlog.Recover(filepath.Join(dir, "snapshot"), filepath.Join(dir, "commit_log.txt"), zerolog.Nop())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	clientAddr := freeAddr(t)
	peerAddr := freeAddr(t)

	srv, err := New(testConfig(), Options{
		SelfAddr:       peerAddr,
		ClientBindAddr: clientAddr,
		Neighbours:     neighbours,
		SendRate:       1000,
		Store:          st,
		Log:            log,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, clientAddr, peerAddr
}

func newTestServerAt(t *testing.T, selfAddr string, neighbours ...string) (*Server, string, string) {
	t.Helper()
	dir := t.TempDir()
	st, log, err := commitlog.Recover(filepath.Join(dir, "snapshot"), filepath.Join(dir, "commit_log.txt"), zerolog.Nop())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	clientAddr := freeAddr(t)

	srv, err := New(testConfig(), Options{
		SelfAddr:       selfAddr,
		ClientBindAddr: clientAddr,
		Neighbours:     neighbours,
		SendRate:       1000,
		Store:          st,
		Log:            log,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, clientAddr, selfAddr
}

// freeAddr reserves an ephemeral port by briefly listening and closing,
// since Server.Run binds its own listeners rather than accepting one.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func dialWithRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("failed to dial %s", addr)
	return nil
}

func TestServerPushThenRetrieveRoundTrip(t *testing.T) {
	srv, clientAddr, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	conn := dialWithRetry(t, clientAddr)
	defer conn.Close()

	value := "hello secko"
	key := fingerprint.Hash(value)

	if err := wire.Encode(conn, wire.Message{Tag: wire.TagPushReq, Push: wire.KVPair{Key: key, Value: value}}); err != nil {
		t.Fatalf("encode push: %v", err)
	}
	resp, err := wire.Decode(conn)
	if err != nil {
		t.Fatalf("decode push response: %v", err)
	}
	if resp.Tag != wire.TagPushResp || !resp.PushSuccess {
		t.Fatalf("push response = %+v, want success", resp)
	}

	if err := wire.Encode(conn, wire.Message{Tag: wire.TagRetrieveReq, RetrieveKey: key}); err != nil {
		t.Fatalf("encode retrieve: %v", err)
	}
	resp, err = wire.Decode(conn)
	if err != nil {
		t.Fatalf("decode retrieve response: %v", err)
	}
	if resp.Tag != wire.TagRetrieveResp || !resp.RetrieveResp.Found || resp.RetrieveResp.Value != value {
		t.Fatalf("retrieve response = %+v, want found=%q", resp, value)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down after context cancellation")
	}
}

func TestServerRejectsMismatchedFingerprint(t *testing.T) {
	srv, clientAddr, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	conn := dialWithRetry(t, clientAddr)
	defer conn.Close()

	if err := wire.Encode(conn, wire.Message{Tag: wire.TagPushReq, Push: wire.KVPair{Key: 1, Value: "not the hash of 1"}}); err != nil {
		t.Fatalf("encode push: %v", err)
	}
	resp, err := wire.Decode(conn)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Tag != wire.TagError {
		t.Fatalf("response tag = %s, want Error", resp.Tag)
	}
}

func TestServerDumpLenReflectsPushes(t *testing.T) {
	srv, clientAddr, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	conn := dialWithRetry(t, clientAddr)
	defer conn.Close()

	for _, v := range []string{"a", "b", "c"} {
		wire.Encode(conn, wire.Message{Tag: wire.TagPushReq, Push: wire.KVPair{Key: fingerprint.Hash(v), Value: v}})
		if _, err := wire.Decode(conn); err != nil {
			t.Fatalf("decode push response: %v", err)
		}
	}

	wire.Encode(conn, wire.Message{Tag: wire.TagDumpLenReq})
	resp, err := wire.Decode(conn)
	if err != nil {
		t.Fatalf("decode dump_len response: %v", err)
	}
	if resp.Tag != wire.TagDumpLenResp || resp.DumpLen != 3 {
		t.Fatalf("dump_len response = %+v, want DumpLen=3", resp)
	}
}

func TestServerClusterListsSelf(t *testing.T) {
	srv, clientAddr, peerAddr := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	conn := dialWithRetry(t, clientAddr)
	defer conn.Close()

	wire.Encode(conn, wire.Message{Tag: wire.TagClusterReq})
	resp, err := wire.Decode(conn)
	if err != nil {
		t.Fatalf("decode cluster response: %v", err)
	}
	if resp.Tag != wire.TagClusterResp {
		t.Fatalf("response tag = %s, want ClusterResp", resp.Tag)
	}
	found := false
	for _, n := range resp.ClusterNodes {
		if n.ReplicaID == peerAddr {
			found = true
		}
	}
	if !found {
		t.Fatalf("cluster nodes %+v did not include self %q", resp.ClusterNodes, peerAddr)
	}
}

func TestServerPeerDigestTriggersUpdateReply(t *testing.T) {
	// Two servers, each aware of the other as a neighbour. srvA holds a key
	// srvB has never seen. srvB's own digest (reflecting that it has
	// observed zero keys from replica A) is sent to srvA's peer listener,
	// which should dial back to srvB with an Update carrying the missing
	// key/value.
	peerAddrA := freeAddr(t)
	peerAddrB := freeAddr(t)

	srvA, clientAddrA, _ := newTestServerAt(t, peerAddrA, peerAddrB)
	srvB, _, _ := newTestServerAt(t, peerAddrB, peerAddrA)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()

	go srvA.Run(ctxA)
	go srvB.Run(ctxB)

	conn := dialWithRetry(t, clientAddrA)
	value := "gossip me"
	key := fingerprint.Hash(value)
	wire.Encode(conn, wire.Message{Tag: wire.TagPushReq, Push: wire.KVPair{Key: key, Value: value}})
	if _, err := wire.Decode(conn); err != nil {
		t.Fatalf("decode push response: %v", err)
	}
	conn.Close()

	peerConn := dialWithRetry(t, peerAddrA)
	digest := antientropy.CreateDigest(srvB.index)
	if err := wire.Encode(peerConn, wire.Message{
		Tag:    wire.TagDigest,
		Sender: srvB.selfID,
		Digest: digest,
	}); err != nil {
		t.Fatalf("encode digest: %v", err)
	}
	peerConn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := srvB.store.Get(key); ok && v == value {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("srvB never received gossiped key %d", key)
}

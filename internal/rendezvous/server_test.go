// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rendezvous

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/nishisan-dev/n-transfer/internal/config"
	"github.com/nishisan-dev/n-transfer/internal/protocol"
	"github.com/nishisan-dev/n-transfer/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bindClient(t *testing.T) *transport.Endpoint {
	t.Helper()
	e, err := transport.Bind(netip.MustParseAddrPort("127.0.0.1:0"), discardLogger())
	if err != nil {
		t.Fatalf("binding client: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// startServer sobe o servidor em endpoints de loopback e retorna os dois
// endereços de atendimento.
func startServer(t *testing.T) (netip.AddrPort, netip.AddrPort) {
	t.Helper()

	e1, err := transport.Bind(netip.MustParseAddrPort("127.0.0.1:0"), discardLogger())
	if err != nil {
		t.Fatalf("binding server socket 1: %v", err)
	}
	e2, err := transport.Bind(netip.MustParseAddrPort("127.0.0.1:0"), discardLogger())
	if err != nil {
		t.Fatalf("binding server socket 2: %v", err)
	}

	cfg := config.DefaultServerConfig()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunWithEndpoints(ctx, cfg, e1, e2, discardLogger())
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not shut down")
		}
	})

	return e1.LocalAddr(), e2.LocalAddr()
}

func recvFrom(t *testing.T, e *transport.Endpoint) (protocol.Message, netip.AddrPort) {
	t.Helper()
	buf := make([]byte, 256)
	e.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, src, err := e.RecvFrom(buf)
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	return msg, src
}

func TestServer_QueryEchoesObservedAddress(t *testing.T) {
	addr1, addr2 := startServer(t)
	client := bindClient(t)

	for _, serverAddr := range []netip.AddrPort{addr1, addr2} {
		if err := client.SendTo(protocol.Query{}, serverAddr); err != nil {
			t.Fatalf("sending query: %v", err)
		}
		msg, src := recvFrom(t, client)
		if src != serverAddr {
			t.Fatalf("reply from unexpected source %s", src)
		}
		address, ok := msg.(protocol.Address)
		if !ok {
			t.Fatalf("expected Address, got %T", msg)
		}
		if address.Addr.Port() != client.LocalAddr().Port() {
			t.Fatalf("expected observed port %d, got %d", client.LocalAddr().Port(), address.Addr.Port())
		}
	}
}

func TestServer_RegisterAndLookup(t *testing.T) {
	addr1, _ := startServer(t)
	registered := bindClient(t)
	seeker := bindClient(t)

	// Registra
	if err := registered.SendTo(protocol.Register{ID: []byte("receiver")}, addr1); err != nil {
		t.Fatalf("sending register: %v", err)
	}
	msg, _ := recvFrom(t, registered)
	if _, ok := msg.(protocol.RegisterAck); !ok {
		t.Fatalf("expected RegisterAck, got %T", msg)
	}

	// Lookup: o peer registrado recebe Request com o endereço do solicitante
	if err := seeker.SendTo(protocol.Lookup{PeerID: []byte("receiver")}, addr1); err != nil {
		t.Fatalf("sending lookup: %v", err)
	}
	msg, _ = recvFrom(t, registered)
	req, ok := msg.(protocol.Request)
	if !ok {
		t.Fatalf("expected Request, got %T", msg)
	}
	if req.PeerAddr.Port() != seeker.LocalAddr().Port() {
		t.Fatalf("expected seeker port %d, got %d", seeker.LocalAddr().Port(), req.PeerAddr.Port())
	}
}

func TestServer_LookupUnknownPeer(t *testing.T) {
	addr1, _ := startServer(t)
	seeker := bindClient(t)

	if err := seeker.SendTo(protocol.Lookup{PeerID: []byte("ghost")}, addr1); err != nil {
		t.Fatalf("sending lookup: %v", err)
	}
	msg, _ := recvFrom(t, seeker)
	peer, ok := msg.(protocol.Peer)
	if !ok {
		t.Fatalf("expected Peer, got %T", msg)
	}
	if peer.Addr.IsValid() {
		t.Fatalf("expected absent address, got %s", peer.Addr)
	}
}

func TestServer_ResponseForwardsAddress(t *testing.T) {
	addr1, _ := startServer(t)
	responder := bindClient(t)
	initiator := bindClient(t)

	resp := protocol.Response{PeerAddr: normalizeForTest(initiator.LocalAddr())}
	if err := responder.SendTo(resp, addr1); err != nil {
		t.Fatalf("sending response: %v", err)
	}

	// O responder recebe o ResponseAck
	msg, _ := recvFrom(t, responder)
	if _, ok := msg.(protocol.ResponseAck); !ok {
		t.Fatalf("expected ResponseAck, got %T", msg)
	}

	// O initiator recebe Peer com o endereço do responder
	msg, _ = recvFrom(t, initiator)
	peer, ok := msg.(protocol.Peer)
	if !ok {
		t.Fatalf("expected Peer, got %T", msg)
	}
	if peer.Addr.Port() != responder.LocalAddr().Port() {
		t.Fatalf("expected responder port %d, got %d", responder.LocalAddr().Port(), peer.Addr.Port())
	}
}

func TestServer_IgnoresNonQueryOnSecondSocket(t *testing.T) {
	addr1, addr2 := startServer(t)
	client := bindClient(t)

	// Register no socket 2 deve ser ignorado
	if err := client.SendTo(protocol.Register{ID: []byte("x")}, addr2); err != nil {
		t.Fatalf("sending register: %v", err)
	}

	// Lookup no socket 1 confirma que o registro não aconteceu
	if err := client.SendTo(protocol.Lookup{PeerID: []byte("x")}, addr1); err != nil {
		t.Fatalf("sending lookup: %v", err)
	}
	msg, _ := recvFrom(t, client)
	peer, ok := msg.(protocol.Peer)
	if !ok {
		t.Fatalf("expected Peer, got %T", msg)
	}
	if peer.Addr.IsValid() {
		t.Fatal("register on second socket must not populate the registry")
	}
}

func normalizeForTest(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

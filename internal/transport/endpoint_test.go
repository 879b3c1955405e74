// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/nishisan-dev/n-transfer/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bindLoopback(t *testing.T) *Endpoint {
	t.Helper()
	e, err := Bind(netip.MustParseAddrPort("127.0.0.1:0"), testLogger())
	if err != nil {
		t.Fatalf("binding loopback endpoint: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEndpoint_SendToRecvFrom(t *testing.T) {
	a := bindLoopback(t)
	b := bindLoopback(t)

	if err := a.SendTo(protocol.Register{ID: []byte("abc")}, b.LocalAddr()); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	buf := make([]byte, 256)
	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, src, err := b.RecvFrom(buf)
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	reg, ok := msg.(protocol.Register)
	if !ok {
		t.Fatalf("expected Register, got %T", msg)
	}
	if string(reg.ID) != "abc" {
		t.Fatalf("unexpected id: %q", reg.ID)
	}
	if src.Port() != a.LocalAddr().Port() {
		t.Fatalf("unexpected source: %s", src)
	}
}

func TestEndpoint_DiscardsGarbage(t *testing.T) {
	a := bindLoopback(t)
	b := bindLoopback(t)

	// Datagrama que não decodifica deve ser descartado silenciosamente
	raw, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(b.LocalAddr()))
	if err != nil {
		t.Fatalf("dialing raw socket: %v", err)
	}
	defer raw.Close()
	if _, err := raw.Write([]byte("not a rendezvous message")); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}
	if err := a.SendTo(protocol.Hello{}, b.LocalAddr()); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	buf := make([]byte, 256)
	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, _, err := b.RecvFrom(buf)
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if _, ok := msg.(protocol.Hello); !ok {
		t.Fatalf("expected Hello after discarding garbage, got %T", msg)
	}
}

func TestEndpoint_ConnectedRecvFiltersSource(t *testing.T) {
	a := bindLoopback(t)
	b := bindLoopback(t)
	intruder := bindLoopback(t)

	b.Connect(a.LocalAddr())

	// Mensagem do intruso chega antes, mas deve ser ignorada
	if err := intruder.SendTo(protocol.Hello{}, b.LocalAddr()); err != nil {
		t.Fatalf("intruder send failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := a.SendTo(protocol.HelloAck{}, b.LocalAddr()); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	buf := make([]byte, 256)
	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := b.Recv(buf)
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if _, ok := msg.(protocol.HelloAck); !ok {
		t.Fatalf("expected HelloAck from connected peer, got %T", msg)
	}
}

func TestEndpoint_SendRequiresConnect(t *testing.T) {
	a := bindLoopback(t)
	if err := a.Send(protocol.Hello{}); err == nil {
		t.Fatal("expected error sending on unconnected endpoint")
	}
}

func TestEndpoint_ReadDeadline(t *testing.T) {
	a := bindLoopback(t)
	a.Connect(netip.MustParseAddrPort("127.0.0.1:9")) // ninguém envia

	buf := make([]byte, 256)
	a.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := a.Recv(buf)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestEndpoint_TTLRoundTrip(t *testing.T) {
	a := bindLoopback(t)

	original, err := a.TTL()
	if err != nil {
		t.Skipf("ttl not supported on this platform: %v", err)
	}
	if err := a.SetTTL(6); err != nil {
		t.Fatalf("setting ttl: %v", err)
	}
	ttl, err := a.TTL()
	if err != nil {
		t.Fatalf("reading ttl: %v", err)
	}
	if ttl != 6 {
		t.Fatalf("expected ttl 6, got %d", ttl)
	}
	if err := a.SetTTL(original); err != nil {
		t.Fatalf("restoring ttl: %v", err)
	}
}

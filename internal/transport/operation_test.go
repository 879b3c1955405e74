// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/nishisan-dev/n-transfer/internal/protocol"
)

// queryOp envia Query a um servidor e resolve com o Address devolvido.
type queryOp struct {
	e      *Endpoint
	server netip.AddrPort
	buf    []byte
	polls  int
}

func (op *queryOp) Poll() error {
	op.polls++
	return op.e.SendTo(protocol.Query{}, op.server)
}

func (op *queryOp) Resolve() (netip.AddrPort, error) {
	for {
		msg, src, err := op.e.RecvFrom(op.buf)
		if err != nil {
			return netip.AddrPort{}, err
		}
		if src != op.server {
			continue
		}
		if addr, ok := msg.(protocol.Address); ok {
			return addr.Addr, nil
		}
	}
}

func (op *queryOp) Result() (netip.AddrPort, bool) {
	return netip.AddrPort{}, false
}

// echoServer responde Query com Address(src), ignorando as primeiras drop requisições.
func echoServer(t *testing.T, drop int) *Endpoint {
	t.Helper()
	server := bindLoopback(t)
	go func() {
		buf := make([]byte, 256)
		seen := 0
		for {
			msg, src, err := server.RecvFrom(buf)
			if err != nil {
				return
			}
			if _, ok := msg.(protocol.Query); !ok {
				continue
			}
			seen++
			if seen <= drop {
				continue
			}
			server.SendTo(protocol.Address{Addr: src}, src)
		}
	}()
	return server
}

func TestPerform_ResolvesFirstAttempt(t *testing.T) {
	server := echoServer(t, 0)
	client := bindLoopback(t)

	op := &queryOp{e: client, server: server.LocalAddr(), buf: make([]byte, 256)}
	addr, err := Perform(client, op)
	if err != nil {
		t.Fatalf("perform failed: %v", err)
	}
	if addr.Port() != client.LocalAddr().Port() {
		t.Fatalf("expected observed port %d, got %d", client.LocalAddr().Port(), addr.Port())
	}
	if op.polls != 1 {
		t.Fatalf("expected 1 poll, got %d", op.polls)
	}
}

func TestPerform_RetransmitsOnTimeout(t *testing.T) {
	// Servidor ignora as duas primeiras Query; Perform deve retransmitir
	server := echoServer(t, 2)
	client := bindLoopback(t)

	op := &queryOp{e: client, server: server.LocalAddr(), buf: make([]byte, 256)}
	start := time.Now()
	if _, err := Perform(client, op); err != nil {
		t.Fatalf("perform failed: %v", err)
	}
	if op.polls != 3 {
		t.Fatalf("expected 3 polls, got %d", op.polls)
	}
	if elapsed := time.Since(start); elapsed < 2*RetryInterval {
		t.Fatalf("expected at least two retry intervals, elapsed %v", elapsed)
	}
}

func TestPerform_ExhaustedWithoutResult(t *testing.T) {
	// Servidor nunca responde
	server := echoServer(t, 1<<30)
	client := bindLoopback(t)

	op := &queryOp{e: client, server: server.LocalAddr(), buf: make([]byte, 256)}
	_, err := Perform(client, op)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if op.polls != 1+RetryCount {
		t.Fatalf("expected %d polls, got %d", 1+RetryCount, op.polls)
	}
}

// partialOp nunca resolve mas tem resultado parcial.
type partialOp struct {
	e *Endpoint
}

func (op *partialOp) Poll() error { return nil }

func (op *partialOp) Resolve() (string, error) {
	buf := make([]byte, 16)
	_, err := op.e.RecvRaw(buf)
	return "", err
}

func (op *partialOp) Result() (string, bool) {
	return "partial", true
}

func TestPerform_ExhaustedWithPartialResult(t *testing.T) {
	client := bindLoopback(t)
	client.Connect(netip.MustParseAddrPort("127.0.0.1:9"))

	v, err := Perform(client, &partialOp{e: client})
	if err != nil {
		t.Fatalf("expected partial result, got error %v", err)
	}
	if v != "partial" {
		t.Fatalf("expected partial result, got %q", v)
	}
}

func TestPerform_FatalErrorAborts(t *testing.T) {
	server := echoServer(t, 0)
	client := bindLoopback(t)

	op := &fatalOp{e: client, server: server.LocalAddr()}
	_, err := Perform(client, op)
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if op.polls != 1 {
		t.Fatalf("fatal resolve must not be retried, got %d polls", op.polls)
	}
}

// fatalOp resolve com um erro não-timeout.
type fatalOp struct {
	e      *Endpoint
	server netip.AddrPort
	polls  int
}

func (op *fatalOp) Poll() error {
	op.polls++
	return op.e.SendTo(protocol.Query{}, op.server)
}

func (op *fatalOp) Resolve() (struct{}, error) {
	buf := make([]byte, 256)
	if _, _, err := op.e.RecvFrom(buf); err != nil {
		return struct{}{}, err
	}
	return struct{}{}, errors.New("protocol violation")
}

func (op *fatalOp) Result() (struct{}, bool) {
	return struct{}{}, false
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package peer implementa os dois papéis do ntransfer-peer: o initiator
// (sender), que localiza o outro peer e inicia o punch, e o responder
// (receiver), que fica registrado no servidor aguardando pedidos de punch.
package peer

import (
	"errors"
	"log/slog"
	"net/netip"

	"github.com/nishisan-dev/n-transfer/internal/protocol"
	"github.com/nishisan-dev/n-transfer/internal/transport"
)

// recvBufSize acomoda qualquer mensagem de rendezvous.
const recvBufSize = 256

// Pré-condições fatais do peer.
var (
	ErrSymmetricNAT = errors.New("peer: symmetric nat")
	ErrPeerNotFound = errors.New("peer: peer not found")
)

// detectSymmetricNat consulta o endereço externo em dois endpoints distintos
// do servidor e compara as respostas. Mapeamentos diferentes indicam NAT
// simétrico, que inviabiliza o punch.
//
// Poll retransmite apenas as Query ainda sem resposta, na cadência do retry.
// Se uma Query se perder, a detecção pode expirar sem veredito em vez de
// concluir — comportamento conhecido, mantido.
type detectSymmetricNat struct {
	e                *transport.Endpoint
	server1, server2 netip.AddrPort
	addr1, addr2     netip.AddrPort
	buf              []byte
	logger           *slog.Logger
}

func (op *detectSymmetricNat) Poll() error {
	if !op.addr1.IsValid() {
		if err := op.e.SendTo(protocol.Query{}, op.server1); err != nil {
			return err
		}
	}
	if !op.addr2.IsValid() {
		if err := op.e.SendTo(protocol.Query{}, op.server2); err != nil {
			return err
		}
	}
	return nil
}

func (op *detectSymmetricNat) Resolve() (struct{}, error) {
	for {
		msg, src, err := op.e.RecvFrom(op.buf)
		if err != nil {
			return struct{}{}, err
		}
		address, ok := msg.(protocol.Address)
		if !ok {
			continue
		}

		switch src {
		case op.server1:
			op.addr1 = address.Addr
		case op.server2:
			op.addr2 = address.Addr
		default:
			continue
		}

		if op.addr1.IsValid() && op.addr2.IsValid() {
			op.logger.Info("observed addresses", "addr1", op.addr1.String(), "addr2", op.addr2.String())
			if op.addr1 == op.addr2 {
				return struct{}{}, nil
			}
			return struct{}{}, ErrSymmetricNAT
		}
	}
}

func (op *detectSymmetricNat) Result() (struct{}, bool) {
	return struct{}{}, false
}

// DetectSymmetricNat aborta com ErrSymmetricNAT quando os dois endpoints do
// servidor observam mapeamentos diferentes deste socket.
func DetectSymmetricNat(e *transport.Endpoint, server1, server2 netip.AddrPort, logger *slog.Logger) error {
	op := &detectSymmetricNat{
		e:       e,
		server1: server1,
		server2: server2,
		buf:     make([]byte, recvBufSize),
		logger:  logger,
	}
	_, err := transport.Perform(e, op)
	return err
}

// registerOp publica o id deste peer no servidor conectado.
type registerOp struct {
	e      *transport.Endpoint
	msg    protocol.Register
	buf    []byte
	logger *slog.Logger
}

func (op *registerOp) Poll() error {
	return op.e.Send(op.msg)
}

func (op *registerOp) Resolve() (struct{}, error) {
	for {
		msg, err := op.e.Recv(op.buf)
		if err != nil {
			return struct{}{}, err
		}
		if _, ok := msg.(protocol.RegisterAck); ok {
			op.logger.Info("register ok")
			return struct{}{}, nil
		}
	}
}

func (op *registerOp) Result() (struct{}, bool) {
	return struct{}{}, false
}

// RegisterPeer registra o id no servidor conectado em e, com retry até o ack.
func RegisterPeer(e *transport.Endpoint, id []byte, logger *slog.Logger) error {
	op := &registerOp{
		e:      e,
		msg:    protocol.Register{ID: id},
		buf:    make([]byte, recvBufSize),
		logger: logger,
	}
	_, err := transport.Perform(e, op)
	return err
}

// lookupOp consulta o endereço externo de outro peer.
type lookupOp struct {
	e      *transport.Endpoint
	server netip.AddrPort
	msg    protocol.Lookup
	buf    []byte
}

func (op *lookupOp) Poll() error {
	return op.e.SendTo(op.msg, op.server)
}

func (op *lookupOp) Resolve() (netip.AddrPort, error) {
	for {
		msg, src, err := op.e.RecvFrom(op.buf)
		if err != nil {
			return netip.AddrPort{}, err
		}
		if peer, ok := msg.(protocol.Peer); ok && src == op.server {
			return peer.Addr, nil
		}
	}
}

func (op *lookupOp) Result() (netip.AddrPort, bool) {
	return netip.AddrPort{}, false
}

// LookupPeer resolve o endereço externo do peer com o id dado.
// Retorna ErrPeerNotFound quando o servidor não conhece o id.
func LookupPeer(e *transport.Endpoint, server netip.AddrPort, peerID []byte) (netip.AddrPort, error) {
	op := &lookupOp{
		e:      e,
		server: server,
		msg:    protocol.Lookup{PeerID: peerID},
		buf:    make([]byte, recvBufSize),
	}
	addr, err := transport.Perform(e, op)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if !addr.IsValid() {
		return netip.AddrPort{}, ErrPeerNotFound
	}
	return addr, nil
}

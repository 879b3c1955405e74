// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package peer

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/nishisan-dev/n-transfer/internal/config"
	"github.com/nishisan-dev/n-transfer/internal/protocol"
	"github.com/nishisan-dev/n-transfer/internal/transfer"
	"github.com/nishisan-dev/n-transfer/internal/transport"
)

// keepaliveInterval é a cadência do re-registro no servidor, que impede o GC
// do registro de descartar este peer.
const keepaliveInterval = 30 * time.Second

// responderTickInterval é a cadência de reenvio do punch task do responder.
const responderTickInterval = 150 * time.Millisecond

// punchTable mapeia o endereço de cada punch em andamento ao seu inbox de
// wake. O mutex cobre apenas insert/get/remove; nunca atravessa espera.
type punchTable struct {
	mu sync.Mutex
	m  map[netip.AddrPort]chan struct{}
}

func newPunchTable() *punchTable {
	return &punchTable{m: make(map[netip.AddrPort]chan struct{})}
}

// claim registra um punch para addr. Retorna o inbox novo e true quando este
// chamador é o primeiro; caso contrário retorna o inbox existente e false.
func (t *punchTable) claim(addr netip.AddrPort) (chan struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if inbox, ok := t.m[addr]; ok {
		return inbox, false
	}
	inbox := make(chan struct{}, 1)
	t.m[addr] = inbox
	return inbox, true
}

func (t *punchTable) remove(addr netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, addr)
}

// recvResult é um datagrama decodificado (ou erro) vindo do pump de leitura.
type recvResult struct {
	msg protocol.Message
	src netip.AddrPort
	err error
}

// RunReceiver executa o papel de receiver: registra-se no servidor e fica em
// loop atendendo pedidos de punch, um task por peer. Cada punch bem-sucedido
// recebe um arquivo em dir.
func RunReceiver(ctx context.Context, cfg *config.PeerConfig, dir string, logger *slog.Logger) error {
	server1, err := transport.Resolve(cfg.Rendezvous.Addr)
	if err != nil {
		return err
	}
	server2, err := transport.Resolve(cfg.Rendezvous.Addr2)
	if err != nil {
		return err
	}

	e, err := transport.BindUnspecified(logger)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := DetectSymmetricNat(e, server1, server2, logger); err != nil {
		return fmt.Errorf("detect symmetric nat: %w", err)
	}

	e.Connect(server1)
	id := []byte(cfg.ID)
	if err := RegisterPeer(e, id, logger); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	table := newPunchTable()

	msgCh := make(chan recvResult, 16)
	go func() {
		buf := make([]byte, recvBufSize)
		for {
			msg, err := e.Recv(buf)
			if err != nil {
				msgCh <- recvResult{err: err}
				return
			}
			msgCh <- recvResult{msg: msg}
		}
	}()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case r := <-msgCh:
			if r.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return r.err
			}
			req, ok := r.msg.(protocol.Request)
			if !ok {
				continue
			}

			inbox, first := table.claim(req.PeerAddr)
			if !first {
				// Request retransmitido para um punch em andamento:
				// só acorda o task, sem duplicar o trabalho
				select {
				case inbox <- struct{}{}:
				default:
				}
				continue
			}

			peerAddr := req.PeerAddr
			go func() {
				defer table.remove(peerAddr)
				punchLogger := logger.With("peer", peerAddr.String())
				if err := handlePunch(ctx, server1, peerAddr, inbox, dir, punchLogger); err != nil {
					// Um punch que falha não afeta os demais peers
					punchLogger.Error("punch failed", "error", err)
				}
			}()

		case <-ticker.C:
			if err := e.SendTo(protocol.Register{ID: id}, server1); err != nil {
				return err
			}
		}
	}
}

// handlePunch responde a um pedido de punch em um socket novo: envia o
// Response ao servidor, troca Hello com o peer sob o budget de 1 s e, com o
// fluxo aberto, recebe o arquivo.
func handlePunch(ctx context.Context, serverAddr, peerAddr netip.AddrPort, inbox <-chan struct{}, dir string, logger *slog.Logger) error {
	e, err := transport.BindUnspecified(logger)
	if err != nil {
		return err
	}
	defer e.Close()

	response := protocol.Response{PeerAddr: peerAddr}
	if err := e.SendTo(response, serverAddr); err != nil {
		return err
	}

	defaultTTL, err := e.TTL()
	if err != nil {
		return err
	}

	// Pump de leitura: encerrado (via stop + poke no deadline) antes de
	// entregar o socket ao protocolo de transferência.
	stop := make(chan struct{})
	pumpDone := make(chan struct{})
	msgCh := make(chan recvResult, 16)
	go func() {
		defer close(pumpDone)
		buf := make([]byte, recvBufSize)
		for {
			msg, src, err := e.RecvFrom(buf)
			select {
			case <-stop:
				return
			default:
			}
			if err != nil {
				if transport.IsTimeout(err) {
					continue
				}
				msgCh <- recvResult{err: err}
				return
			}
			msgCh <- recvResult{msg: msg, src: src}
		}
	}()
	stopPump := func() {
		close(stop)
		e.SetReadDeadline(time.Now())
		for {
			select {
			case <-msgCh:
			case <-pumpDone:
				e.SetReadDeadline(time.Time{})
				return
			}
		}
	}

	ticker := time.NewTicker(responderTickInterval)
	defer ticker.Stop()

	deadline := time.Now().Add(punchHoleBudget)
	serverAck := false
	hello := false

punchLoop:
	for {
		select {
		case <-ctx.Done():
			stopPump()
			return ctx.Err()

		case r := <-msgCh:
			if r.err != nil {
				<-pumpDone
				return r.err
			}
			switch r.msg.(type) {
			case protocol.ResponseAck:
				if r.src != serverAddr {
					continue
				}
				serverAck = true
				if err := e.SetTTL(punchProbeTTL); err != nil {
					stopPump()
					return err
				}
				if err := e.SendTo(protocol.Hello{}, peerAddr); err != nil {
					stopPump()
					return err
				}
			case protocol.Hello:
				if r.src != peerAddr {
					continue
				}
				hello = true
				if err := e.SetTTL(defaultTTL); err != nil {
					stopPump()
					return err
				}
				if err := e.SendTo(protocol.Hello{}, peerAddr); err != nil {
					stopPump()
					return err
				}
			case protocol.HelloAck:
				if r.src != peerAddr {
					continue
				}
				if err := e.SetTTL(defaultTTL); err != nil {
					stopPump()
					return err
				}
				break punchLoop
			}

		case <-inbox:
			// Request retransmitido pelo servidor: o nosso Response se
			// perdeu. Só vale antes do primeiro Hello do peer.
			if hello {
				continue
			}
			serverAck = false
			if err := e.SetTTL(defaultTTL); err != nil {
				stopPump()
				return err
			}
			if err := e.SendTo(response, serverAddr); err != nil {
				stopPump()
				return err
			}

		case <-ticker.C:
			if time.Now().After(deadline) {
				if hello {
					break punchLoop
				}
				stopPump()
				return fmt.Errorf("punch hole with %s failed: %w", peerAddr, transport.ErrTimeout)
			}
			if serverAck {
				if err := e.SendTo(protocol.Hello{}, peerAddr); err != nil {
					stopPump()
					return err
				}
			} else {
				if err := e.SendTo(response, serverAddr); err != nil {
					stopPump()
					return err
				}
			}
		}
	}

	stopPump()
	e.Connect(peerAddr)
	return transfer.Receive(e, dir, logger)
}

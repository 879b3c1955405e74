// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package peer

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/nishisan-dev/n-transfer/internal/config"
	"github.com/nishisan-dev/n-transfer/internal/protocol"
	"github.com/nishisan-dev/n-transfer/internal/transfer"
	"github.com/nishisan-dev/n-transfer/internal/transport"
)

// punchHoleBudget é o tempo total para o punch estabelecer o fluxo.
const punchHoleBudget = 1 * time.Second

// punchProbeTTL é o TTL curto da sonda inicial: suficiente para criar o
// mapeamento no NAT local sem alcançar o NAT remoto, que poderia colocar a
// origem em blacklist por tráfego não solicitado.
const punchProbeTTL = 6

// initiatorResendInterval é a cadência de reenvio de Hello do initiator.
const initiatorResendInterval = 100 * time.Millisecond

// RunSender executa o papel de sender: detecta NAT simétrico, localiza o
// peer pelo id, abre o furo e transfere o arquivo.
func RunSender(ctx context.Context, cfg *config.PeerConfig, path string, logger *slog.Logger) error {
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

	peerAddr, err := LookupPeer(e, server1, []byte(cfg.ID))
	if err != nil {
		return fmt.Errorf("lookup %q: %w", cfg.ID, err)
	}

	if err := punchInitiator(e, peerAddr, logger); err != nil {
		return err
	}

	opts := transfer.SendOptions{
		BandwidthLimit: cfg.Transfer.BandwidthLimitRaw,
		Compression:    cfg.Transfer.Compression,
	}
	return transfer.Send(ctx, e, path, opts, logger)
}

// punchInitiator abre o furo a partir do lado que conhece o endereço do
// outro peer: sonda com TTL curto, Hello com TTL cheio, e reenvio na cadência
// de 100 ms até o Hello do peer chegar ou o budget de 1 s expirar.
func punchInitiator(e *transport.Endpoint, peerAddr netip.AddrPort, logger *slog.Logger) error {
	defaultTTL, err := e.TTL()
	if err != nil {
		return err
	}
	if err := e.SetTTL(punchProbeTTL); err != nil {
		return err
	}
	if err := e.SendTo(protocol.Hello{}, peerAddr); err != nil {
		return err
	}
	if err := e.SetTTL(defaultTTL); err != nil {
		return err
	}

	time.Sleep(50 * time.Millisecond)
	if err := e.SendTo(protocol.Hello{}, peerAddr); err != nil {
		return err
	}

	buf := make([]byte, recvBufSize)
	deadline := time.Now().Add(punchHoleBudget)
	defer e.SetReadDeadline(time.Time{})

	for {
		e.SetReadDeadline(time.Now().Add(initiatorResendInterval))
		msg, src, err := e.RecvFrom(buf)
		if err != nil {
			if !transport.IsTimeout(err) {
				return err
			}
			if time.Now().Before(deadline) {
				if err := e.SendTo(protocol.Hello{}, peerAddr); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("punch hole with %s failed: %w", peerAddr, transport.ErrTimeout)
		}

		if _, ok := msg.(protocol.Hello); ok && src == peerAddr {
			e.SetReadDeadline(time.Time{})
			e.Connect(peerAddr)
			return e.Send(protocol.HelloAck{})
		}

		logger.Debug("unexpected packet during punch", "msg", msg.String(), "src", src.String())
		if err := e.SendTo(protocol.Hello{}, peerAddr); err != nil {
			return err
		}
	}
}

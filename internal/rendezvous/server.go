// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rendezvous

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/n-transfer/internal/config"
	"github.com/nishisan-dev/n-transfer/internal/protocol"
	"github.com/nishisan-dev/n-transfer/internal/transport"
)

// recvBufSize acomoda qualquer mensagem de rendezvous.
const recvBufSize = 256

// Counters são os contadores atômicos expostos ao stats reporter. A goroutine
// de dispatch é a única que escreve; o reporter só lê.
type Counters struct {
	Packets   atomic.Int64
	Queries   atomic.Int64
	Registers atomic.Int64
	Lookups   atomic.Int64
	Punches   atomic.Int64
	PeerCount atomic.Int64
}

// packet é um datagrama decodificado vindo de um dos dois sockets.
type packet struct {
	msg  protocol.Message
	src  netip.AddrPort
	sock int
}

// Server é o servidor de rendezvous: dois sockets UDP, registro de peers e
// dispatch de mensagens. O segundo socket só responde Query e existe para a
// detecção de NAT simétrico pelos peers.
type Server struct {
	cfg      *config.ServerConfig
	logger   *slog.Logger
	registry *Registry
	counters Counters
	sweepCh  chan struct{}
}

// Run resolve os endereços configurados, faz o bind dos dois sockets e
// bloqueia atendendo até o context ser cancelado.
func Run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	addr, err := transport.Resolve(cfg.Server.Addr)
	if err != nil {
		return err
	}
	addr2, err := transport.Resolve(cfg.Server.Addr2)
	if err != nil {
		return err
	}

	e1, err := transport.Bind(addr, logger)
	if err != nil {
		return err
	}
	defer e1.Close()

	e2, err := transport.Bind(addr2, logger)
	if err != nil {
		return err
	}
	defer e2.Close()

	logger.Info("rendezvous server listening", "addr", e1.LocalAddr().String(), "addr2", e2.LocalAddr().String())
	return RunWithEndpoints(ctx, cfg, e1, e2, logger)
}

// RunWithEndpoints atende em endpoints já criados (usado pelos testes).
func RunWithEndpoints(ctx context.Context, cfg *config.ServerConfig, e1, e2 *transport.Endpoint, logger *slog.Logger) error {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: NewRegistry(cfg.Registry, logger.With("component", "registry")),
		sweepCh:  make(chan struct{}, 1),
	}

	// Sweep forçado agendado via cron, opcional. O cron só posta um sinal;
	// o sweep em si roda na goroutine de dispatch, dona do registro.
	if cfg.Maintenance.Schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(cfg.Maintenance.Schedule, func() {
			select {
			case s.sweepCh <- struct{}{}:
			default:
			}
		}); err != nil {
			return fmt.Errorf("adding maintenance schedule %q: %w", cfg.Maintenance.Schedule, err)
		}
		c.Start()
		defer c.Stop()
		logger.Info("maintenance sweep scheduled", "schedule", cfg.Maintenance.Schedule)
	}

	if cfg.Stats.IntervalRaw > 0 {
		go runStatsReporter(ctx, &s.counters, cfg.Stats.IntervalRaw, logger.With("component", "stats"))
	}

	// Fecha os sockets no cancelamento para desbloquear os readers
	go func() {
		<-ctx.Done()
		e1.Close()
		e2.Close()
	}()

	packets := make(chan packet)
	go readLoop(ctx, e1, 0, packets, logger)
	go readLoop(ctx, e2, 1, packets, logger)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("rendezvous server shutdown")
			return nil
		case <-s.sweepCh:
			swept := s.registry.Sweep(time.Now())
			s.counters.PeerCount.Store(int64(s.registry.Len()))
			s.logger.Info("forced registry sweep", "swept", swept, "peers", s.registry.Len())
		case pkt := <-packets:
			s.counters.Packets.Add(1)
			// Erros por pacote são logados e ignorados; o servidor nunca
			// termina por falha em um datagrama individual.
			if err := s.dispatch(pkt, e1, e2); err != nil {
				s.logger.Error("dispatch error", "msg", pkt.msg.String(), "src", pkt.src.String(), "error", err)
			}
			s.counters.PeerCount.Store(int64(s.registry.Len()))
		}
	}
}

// readLoop bombeia datagramas decodificados de um socket para o dispatcher.
func readLoop(ctx context.Context, e *transport.Endpoint, sock int, packets chan<- packet, logger *slog.Logger) {
	buf := make([]byte, recvBufSize)
	for {
		msg, src, err := e.RecvFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("socket read error", "sock", sock, "error", err)
			return
		}
		select {
		case packets <- packet{msg: msg, src: src, sock: sock}:
		case <-ctx.Done():
			return
		}
	}
}

// dispatch trata um datagrama conforme o socket de origem.
func (s *Server) dispatch(pkt packet, e1, e2 *transport.Endpoint) error {
	if pkt.sock == 1 {
		// O segundo socket só responde Query, e aproveita o tráfego para
		// acionar o GC do registro.
		if _, ok := pkt.msg.(protocol.Query); ok {
			s.counters.Queries.Add(1)
			if err := e2.SendTo(protocol.Address{Addr: pkt.src}, pkt.src); err != nil {
				return err
			}
			s.registry.MaybeGC(time.Now())
		}
		return nil
	}

	switch m := pkt.msg.(type) {
	case protocol.Query:
		s.counters.Queries.Add(1)
		return e1.SendTo(protocol.Address{Addr: pkt.src}, pkt.src)

	case protocol.Register:
		s.counters.Registers.Add(1)
		s.registry.Put(m.ID, pkt.src, time.Now())
		return e1.SendTo(protocol.RegisterAck{}, pkt.src)

	case protocol.Lookup:
		s.counters.Lookups.Add(1)
		if addr, ok := s.registry.Get(m.PeerID); ok {
			// Notifica o peer registrado; o solicitante receberá o
			// endereço quando o registrado responder.
			return e1.SendTo(protocol.Request{PeerAddr: pkt.src}, addr)
		}
		return e1.SendTo(protocol.Peer{}, pkt.src)

	case protocol.Response:
		s.counters.Punches.Add(1)
		if err := e1.SendTo(protocol.ResponseAck{}, pkt.src); err != nil {
			return err
		}
		return e1.SendTo(protocol.Peer{Addr: pkt.src}, m.PeerAddr)
	}

	return nil
}

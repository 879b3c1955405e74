// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package rendezvous implementa o servidor que coordena o hole punching:
// registro de peers, lookup de endereços e o relay da troca Request/Response.
package rendezvous

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/nishisan-dev/n-transfer/internal/config"
)

// peerEntry é uma entrada do registro: endereço observado e último contato.
type peerEntry struct {
	addr     netip.AddrPort
	lastSeen time.Time
}

// Registry mapeia id de peer para o endereço externo observado.
//
// O registro pertence exclusivamente à goroutine de dispatch do servidor;
// nenhum lock é necessário. Os métodos recebem o instante corrente para
// manter o GC determinístico em teste.
type Registry struct {
	peers      map[string]peerEntry
	gcAge      time.Duration
	gcMinSize  int
	gcInterval time.Duration
	lastGC     time.Time
	logger     *slog.Logger
}

// NewRegistry cria um Registry com os parâmetros de GC da configuração.
func NewRegistry(cfg config.RegistryInfo, logger *slog.Logger) *Registry {
	return &Registry{
		peers:      make(map[string]peerEntry),
		gcAge:      cfg.GCAgeRaw,
		gcMinSize:  cfg.GCMinSize,
		gcInterval: cfg.GCIntervalRaw,
		lastGC:     time.Now(),
		logger:     logger,
	}
}

// Put insere ou atualiza o endereço de um peer.
func (r *Registry) Put(id []byte, addr netip.AddrPort, now time.Time) {
	r.peers[string(id)] = peerEntry{addr: addr, lastSeen: now}
}

// Get retorna o endereço registrado de um peer.
func (r *Registry) Get(id []byte) (netip.AddrPort, bool) {
	entry, ok := r.peers[string(id)]
	return entry.addr, ok
}

// Len retorna o número de peers registrados.
func (r *Registry) Len() int {
	return len(r.peers)
}

// MaybeGC varre entradas velhas quando o registro excede gcMinSize e o
// último sweep ocorreu há mais de gcInterval. Retorna o número de entradas
// removidas, ou -1 quando nenhum sweep foi feito.
func (r *Registry) MaybeGC(now time.Time) int {
	if len(r.peers) <= r.gcMinSize || now.Sub(r.lastGC) <= r.gcInterval {
		return -1
	}
	return r.Sweep(now)
}

// Sweep remove incondicionalmente as entradas mais velhas que gcAge e marca
// o instante do sweep.
func (r *Registry) Sweep(now time.Time) int {
	swept := 0
	for id, entry := range r.peers {
		if now.Sub(entry.lastSeen) > r.gcAge {
			delete(r.peers, id)
			swept++
		}
	}
	r.lastGC = now
	if swept > 0 {
		r.logger.Info("registry sweep", "swept", swept, "remaining", len(r.peers))
	}
	return swept
}

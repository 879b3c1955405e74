// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transport embrulha o socket UDP usado pelo peer e pelo servidor de
// rendezvous, e fornece o driver de operações com retry sobre ele.
package transport

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/nishisan-dev/n-transfer/internal/protocol"
)

// Endpoint é um socket UDP com um peer conectado opcional.
//
// "Conectar" não usa connect(2): o peer é registrado no Endpoint e os
// recebimentos passam a filtrar pela origem. Isso preserva o requisito do
// hole punching de manter o mesmo endpoint local durante toda a sessão.
type Endpoint struct {
	conn  *net.UDPConn
	ipv4c *ipv4.Conn

	// peer conectado; zero = não conectado. Também usado como contexto de log.
	peer netip.AddrPort

	logger *slog.Logger
}

// Bind cria um Endpoint ligado ao endereço dado.
func Bind(addr netip.AddrPort, logger *slog.Logger) (*Endpoint, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("binding udp socket to %s: %w", addr, err)
	}
	return &Endpoint{
		conn:   conn,
		ipv4c:  ipv4.NewConn(conn),
		logger: logger,
	}, nil
}

// BindUnspecified cria um Endpoint em 0.0.0.0 com porta efêmera.
func BindUnspecified(logger *slog.Logger) (*Endpoint, error) {
	return Bind(netip.AddrPortFrom(netip.IPv4Unspecified(), 0), logger)
}

// Resolve converte "host:porta" em um endereço concreto (primeiro resultado do DNS).
func Resolve(host string) (netip.AddrPort, error) {
	addr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("cannot resolve %s: %w", host, err)
	}
	return addr.AddrPort(), nil
}

// Connect registra addr como peer default para Send/Recv.
func (e *Endpoint) Connect(addr netip.AddrPort) {
	e.logger.Info("connect", "peer", addr.String())
	e.peer = addr
}

// Connected retorna o peer registrado e se há um.
func (e *Endpoint) Connected() (netip.AddrPort, bool) {
	return e.peer, e.peer.IsValid()
}

// LocalAddr retorna o endereço local do socket.
func (e *Endpoint) LocalAddr() netip.AddrPort {
	return e.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Send codifica e envia uma mensagem de rendezvous ao peer conectado.
func (e *Endpoint) Send(m protocol.Message) error {
	if !e.peer.IsValid() {
		return fmt.Errorf("transport: send on unconnected endpoint")
	}
	return e.SendTo(m, e.peer)
}

// SendTo codifica e envia uma mensagem de rendezvous para addr.
func (e *Endpoint) SendTo(m protocol.Message, addr netip.AddrPort) error {
	e.logger.Debug("send", "msg", m.String(), "to", addr.String())
	if _, err := e.conn.WriteToUDPAddrPort(protocol.Encode(m), addr); err != nil {
		return fmt.Errorf("sending %s to %s: %w", m, addr, err)
	}
	return nil
}

// SendRaw envia um datagrama já codificado ao peer conectado. Usado pelo
// protocolo de transferência, que tem seu próprio codec.
func (e *Endpoint) SendRaw(data []byte) error {
	if !e.peer.IsValid() {
		return fmt.Errorf("transport: send on unconnected endpoint")
	}
	if _, err := e.conn.WriteToUDPAddrPort(data, e.peer); err != nil {
		return fmt.Errorf("sending datagram to %s: %w", e.peer, err)
	}
	return nil
}

// Recv recebe do peer conectado, descartando datagramas de outras origens e
// os que não decodificam como mensagem de rendezvous.
func (e *Endpoint) Recv(buf []byte) (protocol.Message, error) {
	for {
		n, err := e.RecvRaw(buf)
		if err != nil {
			return nil, err
		}
		msg, err := protocol.Decode(buf[:n])
		if err != nil {
			continue
		}
		e.logger.Debug("receive", "msg", msg.String(), "from", e.peer.String())
		return msg, nil
	}
}

// RecvFrom recebe de qualquer origem, descartando datagramas que não
// decodificam como mensagem de rendezvous.
func (e *Endpoint) RecvFrom(buf []byte) (protocol.Message, netip.AddrPort, error) {
	for {
		n, src, err := e.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return nil, netip.AddrPort{}, err
		}
		msg, derr := protocol.Decode(buf[:n])
		if derr != nil {
			continue
		}
		src = normalize(src)
		e.logger.Debug("receive", "msg", msg.String(), "from", src.String())
		return msg, src, nil
	}
}

// RecvRaw recebe o próximo datagrama vindo do peer conectado.
func (e *Endpoint) RecvRaw(buf []byte) (int, error) {
	if !e.peer.IsValid() {
		return 0, fmt.Errorf("transport: recv on unconnected endpoint")
	}
	for {
		n, src, err := e.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return 0, err
		}
		if normalize(src) != normalize(e.peer) {
			continue
		}
		return n, nil
	}
}

// SetReadDeadline aplica um deadline de leitura; a expiração aparece como
// timeout net.Error nos Recv*.
func (e *Endpoint) SetReadDeadline(t time.Time) error {
	return e.conn.SetReadDeadline(t)
}

// TTL lê o TTL IPv4 atual do socket.
func (e *Endpoint) TTL() (int, error) {
	ttl, err := e.ipv4c.TTL()
	if err != nil {
		return 0, fmt.Errorf("reading socket ttl: %w", err)
	}
	return ttl, nil
}

// SetTTL define o TTL IPv4 do socket. O punch usa TTL curto para criar o
// mapeamento no NAT local sem alcançar o NAT remoto.
func (e *Endpoint) SetTTL(ttl int) error {
	if err := e.ipv4c.SetTTL(ttl); err != nil {
		return fmt.Errorf("setting socket ttl to %d: %w", ttl, err)
	}
	return nil
}

// Close fecha o socket.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

// normalize remove o mapeamento IPv4-in-IPv6 para comparação de origens em
// sockets dual-stack.
func normalize(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

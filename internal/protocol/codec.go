// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"net/netip"
)

// Famílias de endereço no wire.
const (
	addrFamilyV4 uint32 = 0
	addrFamilyV6 uint32 = 1
)

// Encode serializa uma mensagem de rendezvous e anexa o magic.
func Encode(m Message) []byte {
	buf := appendMessage(make([]byte, 0, 64), m)
	return append(buf, Magic[:]...)
}

// Decode desserializa uma mensagem de rendezvous. Só aceita o datagrama se,
// após o corpo da mensagem, restarem exatamente os 8 bytes do magic.
func Decode(data []byte) (Message, error) {
	if len(data) < len(Magic) {
		return nil, ErrInvalidMagic
	}
	body, trailer := data[:len(data)-len(Magic)], data[len(data)-len(Magic):]
	if !bytes.Equal(trailer, Magic[:]) {
		return nil, ErrInvalidMagic
	}

	msg, rest, err := consumeMessage(body)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, ErrTruncated
	}
	return msg, nil
}

func appendMessage(b []byte, m Message) []byte {
	switch m := m.(type) {
	case Query:
		return binary.LittleEndian.AppendUint32(b, tagQuery)
	case Address:
		b = binary.LittleEndian.AppendUint32(b, tagAddress)
		return appendAddrPort(b, m.Addr)
	case Register:
		b = binary.LittleEndian.AppendUint32(b, tagRegister)
		return appendBytes(b, m.ID)
	case RegisterAck:
		return binary.LittleEndian.AppendUint32(b, tagRegisterAck)
	case Lookup:
		b = binary.LittleEndian.AppendUint32(b, tagLookup)
		return appendBytes(b, m.PeerID)
	case Peer:
		b = binary.LittleEndian.AppendUint32(b, tagPeer)
		if !m.Addr.IsValid() {
			return append(b, 0)
		}
		b = append(b, 1)
		return appendAddrPort(b, m.Addr)
	case Request:
		b = binary.LittleEndian.AppendUint32(b, tagRequest)
		return appendAddrPort(b, m.PeerAddr)
	case Response:
		b = binary.LittleEndian.AppendUint32(b, tagResponse)
		return appendAddrPort(b, m.PeerAddr)
	case ResponseAck:
		return binary.LittleEndian.AppendUint32(b, tagResponseAck)
	case Hello:
		return binary.LittleEndian.AppendUint32(b, tagHello)
	case HelloAck:
		return binary.LittleEndian.AppendUint32(b, tagHelloAck)
	default:
		panic("protocol: unhandled message variant")
	}
}

func consumeMessage(data []byte) (Message, []byte, error) {
	tag, data, err := consumeUint32(data)
	if err != nil {
		return nil, nil, err
	}

	switch tag {
	case tagQuery:
		return Query{}, data, nil
	case tagAddress:
		addr, rest, err := consumeAddrPort(data)
		if err != nil {
			return nil, nil, err
		}
		return Address{Addr: addr}, rest, nil
	case tagRegister:
		id, rest, err := consumeBytes(data)
		if err != nil {
			return nil, nil, err
		}
		return Register{ID: id}, rest, nil
	case tagRegisterAck:
		return RegisterAck{}, data, nil
	case tagLookup:
		id, rest, err := consumeBytes(data)
		if err != nil {
			return nil, nil, err
		}
		return Lookup{PeerID: id}, rest, nil
	case tagPeer:
		if len(data) < 1 {
			return nil, nil, ErrTruncated
		}
		present, data := data[0], data[1:]
		if present == 0 {
			return Peer{}, data, nil
		}
		addr, rest, err := consumeAddrPort(data)
		if err != nil {
			return nil, nil, err
		}
		return Peer{Addr: addr}, rest, nil
	case tagRequest:
		addr, rest, err := consumeAddrPort(data)
		if err != nil {
			return nil, nil, err
		}
		return Request{PeerAddr: addr}, rest, nil
	case tagResponse:
		addr, rest, err := consumeAddrPort(data)
		if err != nil {
			return nil, nil, err
		}
		return Response{PeerAddr: addr}, rest, nil
	case tagResponseAck:
		return ResponseAck{}, data, nil
	case tagHello:
		return Hello{}, data, nil
	case tagHelloAck:
		return HelloAck{}, data, nil
	default:
		return nil, nil, ErrUnknownTag
	}
}

func appendBytes(b, v []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, uint64(len(v)))
	return append(b, v...)
}

func consumeBytes(data []byte) ([]byte, []byte, error) {
	n, data, err := consumeUint64(data)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(data)) < n {
		return nil, nil, ErrTruncated
	}
	v := make([]byte, n)
	copy(v, data[:n])
	return v, data[n:], nil
}

func appendAddrPort(b []byte, addr netip.AddrPort) []byte {
	ip := addr.Addr()
	if ip.Is4() || ip.Is4In6() {
		b = binary.LittleEndian.AppendUint32(b, addrFamilyV4)
		v4 := ip.Unmap().As4()
		b = append(b, v4[:]...)
	} else {
		b = binary.LittleEndian.AppendUint32(b, addrFamilyV6)
		v6 := ip.As16()
		b = append(b, v6[:]...)
	}
	return binary.LittleEndian.AppendUint16(b, addr.Port())
}

func consumeAddrPort(data []byte) (netip.AddrPort, []byte, error) {
	family, data, err := consumeUint32(data)
	if err != nil {
		return netip.AddrPort{}, nil, err
	}

	var ip netip.Addr
	switch family {
	case addrFamilyV4:
		if len(data) < 4 {
			return netip.AddrPort{}, nil, ErrTruncated
		}
		ip = netip.AddrFrom4([4]byte(data[:4]))
		data = data[4:]
	case addrFamilyV6:
		if len(data) < 16 {
			return netip.AddrPort{}, nil, ErrTruncated
		}
		ip = netip.AddrFrom16([16]byte(data[:16]))
		data = data[16:]
	default:
		return netip.AddrPort{}, nil, ErrUnknownTag
	}

	if len(data) < 2 {
		return netip.AddrPort{}, nil, ErrTruncated
	}
	port := binary.LittleEndian.Uint16(data)
	return netip.AddrPortFrom(ip, port), data[2:], nil
}

func consumeUint32(data []byte) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, ErrTruncated
	}
	return binary.LittleEndian.Uint32(data), data[4:], nil
}

func consumeUint64(data []byte) (uint64, []byte, error) {
	if len(data) < 8 {
		return 0, nil, ErrTruncated
	}
	return binary.LittleEndian.Uint64(data), data[8:], nil
}

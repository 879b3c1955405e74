// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nishisan-dev/n-transfer/internal/config"
	"github.com/nishisan-dev/n-transfer/internal/transport"
)

// readTimeout é o tempo máximo de inatividade em cada estágio da transferência.
const readTimeout = 5 * time.Second

// SendOptions contém as opções do sender.
type SendOptions struct {
	// BandwidthLimit em bytes/segundo; <= 0 desabilita o throttle e os
	// chunks são enviados sem pacing.
	BandwidthLimit int64

	// Compression: "", "gzip" ou "zstd". Quando ativa, o arquivo é
	// comprimido para um temporário antes do envio e o nome transferido
	// ganha o sufixo do modo.
	Compression string
}

// stats acumula os contadores da transferência para o log final.
type stats struct {
	blocks       uint64
	chunks       uint64
	resentChunks uint64
	start        time.Time
}

// Send transfere o arquivo em path para o peer conectado em e.
func Send(ctx context.Context, e *transport.Endpoint, path string, opts SendOptions, logger *slog.Logger) error {
	name := filepath.Base(path)

	if opts.Compression != config.CompressionNone {
		tmp, compressedName, err := CompressSource(path, opts.Compression, logger)
		if err != nil {
			return err
		}
		defer os.Remove(tmp)
		path, name = tmp, compressedName
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	size := uint64(info.Size())

	logger.Info("sending", "file", path, "name", name, "size", size)

	buf := make([]byte, recvBufSize)
	op := &sendRequest{e: e, buf: buf, msg: Encode(Request{Name: name, Size: size, Resume: true})}
	resp, err := transport.Perform(e, op)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if resp == nil {
		// Receiver já tem o arquivo completo
		if err := e.SendRaw(Encode(FileCompleteAck{})); err != nil {
			return err
		}
		logger.Info("send complete", "name", name)
		return nil
	}

	st := &stats{start: time.Now()}
	throttle := NewThrottle(ctx, opts.BandwidthLimit)

	reader, err := NewBlockReader(file, size, resp.BlockSize, resp.ChunkSize, resp.StartBlock)
	if err != nil {
		return err
	}
	for {
		block, err := reader.Read()
		if err != nil {
			return err
		}
		if block == nil {
			break
		}
		if err := sendBlock(e, buf, block, throttle, st); err != nil {
			return err
		}
	}

	// Aguarda o FileComplete do receiver
	for {
		e.SetReadDeadline(time.Now().Add(readTimeout))
		msg, _, err := recvMessage(e, buf)
		if err != nil {
			e.SetReadDeadline(time.Time{})
			if transport.IsTimeout(err) {
				return fmt.Errorf("wait complete: %w", transport.ErrTimeout)
			}
			return err
		}
		if _, ok := msg.(FileComplete); ok {
			e.SetReadDeadline(time.Time{})
			if err := e.SendRaw(Encode(FileCompleteAck{})); err != nil {
				return err
			}
			break
		}
	}

	logger.Info("send complete",
		"name", name,
		"blocks", st.blocks,
		"chunks", st.chunks,
		"resent_chunks", st.resentChunks,
		"elapsed_ms", time.Since(st.start).Milliseconds(),
	)
	return nil
}

// sendBlock envia todos os chunks do block de uma vez e então negocia o
// BlockComplete, retransmitindo os chunks que o receiver listar como
// faltantes até receber o ack.
func sendBlock(e *transport.Endpoint, buf []byte, block *Block, throttle *Throttle, st *stats) error {
	for chunk, data := range block.Chunks() {
		if err := throttle.Wait(len(data)); err != nil {
			return err
		}
		if err := e.SendRaw(EncodeChunk(block.Index(), chunk, data)); err != nil {
			return err
		}
		st.chunks++
	}

	for {
		op := &sendBlockComplete{e: e, buf: buf, block: block.Index()}
		missing, err := transport.Perform(e, op)
		if err != nil {
			return fmt.Errorf("block %d complete: %w", block.Index(), err)
		}
		if len(missing) == 0 {
			break
		}

		st.resentChunks += uint64(len(missing))
		for _, chunk := range missing {
			data, ok := block.GetChunk(chunk)
			if !ok {
				return fmt.Errorf("transfer: chunk %d out of range in block %d", chunk, block.Index())
			}
			if err := throttle.Wait(len(data)); err != nil {
				return err
			}
			if err := e.SendRaw(EncodeChunk(block.Index(), chunk, data)); err != nil {
				return err
			}
		}
	}

	st.blocks++
	return nil
}

// sendRequest envia o Request e resolve com a Response do receiver.
// Resolve devolve nil quando o receiver responde FileComplete — o arquivo
// já existe completo do outro lado.
type sendRequest struct {
	e   *transport.Endpoint
	buf []byte
	msg []byte
}

func (op *sendRequest) Poll() error {
	return op.e.SendRaw(op.msg)
}

func (op *sendRequest) Resolve() (*Response, error) {
	for {
		msg, _, err := recvMessage(op.e, op.buf)
		if err != nil {
			return nil, err
		}
		switch m := msg.(type) {
		case Response:
			return &m, nil
		case FileComplete:
			return nil, nil
		}
	}
}

func (op *sendRequest) Result() (*Response, bool) {
	return nil, false
}

// sendBlockComplete envia BlockComplete e resolve com a lista de chunks
// faltantes (vazia quando o receiver confirma com BlockCompleteAck).
// Fragmentos de BlockMissingChunk são acumulados até a soma atingir Count.
type sendBlockComplete struct {
	e       *transport.Endpoint
	buf     []byte
	block   uint32
	missing []uint32
}

func (op *sendBlockComplete) Poll() error {
	return op.e.SendRaw(Encode(BlockComplete{Block: op.block}))
}

func (op *sendBlockComplete) Resolve() ([]uint32, error) {
	for {
		msg, _, err := recvMessage(op.e, op.buf)
		if err != nil {
			return nil, err
		}
		switch m := msg.(type) {
		case BlockCompleteAck:
			if m.Block == op.block {
				return nil, nil
			}
		case BlockMissingChunk:
			if m.Block != op.block {
				continue
			}
			op.missing = append(op.missing, m.Chunks...)
			if uint32(len(op.missing)) == m.Count {
				missing := op.missing
				op.missing = nil
				return missing, nil
			}
		}
	}
}

func (op *sendBlockComplete) Result() ([]uint32, bool) {
	if len(op.missing) == 0 {
		return nil, false
	}
	missing := op.missing
	op.missing = nil
	return missing, true
}

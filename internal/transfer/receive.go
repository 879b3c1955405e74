// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transfer

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/nishisan-dev/n-transfer/internal/transport"
)

// BlockSize é o tamanho de cada block (1 MiB). Um block é a unidade de
// confirmação e retransmissão.
const BlockSize uint32 = 1048576

// ChunkSize é o tamanho de cada chunk, a unidade de um datagrama UDP:
// 496 = 576 (MTU mínimo IPv4) - 60 (header IP máximo) - 8 (header UDP) - 12 (header FilePart).
const ChunkSize uint16 = 496

// missingChunkBatch é o máximo de chunks por mensagem BlockMissingChunk.
const missingChunkBatch = 100

// recvBufSize acomoda o maior datagrama do protocolo de transferência.
const recvBufSize = ChunkHeaderSize + int(ChunkSize)

// Receive recebe um arquivo do peer conectado em e e o grava em dir.
func Receive(e *transport.Endpoint, dir string, logger *slog.Logger) error {
	buf := make([]byte, recvBufSize)

	// Aguarda o Request do sender
	var req Request
	for {
		e.SetReadDeadline(time.Now().Add(readTimeout))
		msg, _, err := recvMessage(e, buf)
		if err != nil {
			e.SetReadDeadline(time.Time{})
			if transport.IsTimeout(err) {
				return fmt.Errorf("waiting transfer request: %w", transport.ErrTimeout)
			}
			return err
		}
		if r, ok := msg.(Request); ok {
			req = r
			break
		}
	}
	e.SetReadDeadline(time.Time{})

	logger.Info("receiving", "name", req.Name, "size", req.Size)

	path := filepath.Join(dir, req.Name)
	writer, err := NewBlockWriter(path, req.Size, BlockSize, ChunkSize, true)
	if err != nil {
		return err
	}
	if writer == nil {
		// Arquivo vazio ou .part já do tamanho final
		return sendComplete(e, buf, req.Name, logger)
	}
	defer writer.Close()

	if writer.StartBlock() > 0 {
		logger.Info("resuming transfer", "name", req.Name, "start_block", writer.StartBlock())
	}

	block := writer.NextBlock()
	op := &sendResponse{e: e, buf: buf, block: block.Index()}
	first, err := transport.Perform(e, op)
	if err != nil {
		return fmt.Errorf("send response: %w", err)
	}
	// O primeiro FilePart também serve de ack da Response
	if err := block.Write(first.chunk, first.data); err != nil {
		logger.Debug("dropping malformed first chunk", "error", err)
	}

receiveLoop:
	for {
		e.SetReadDeadline(time.Now().Add(readTimeout))
		msg, tail, err := recvMessage(e, buf)
		if err != nil {
			e.SetReadDeadline(time.Time{})
			if transport.IsTimeout(err) {
				return fmt.Errorf("receive %s: %w", req.Name, transport.ErrTimeout)
			}
			return err
		}

		switch m := msg.(type) {
		case FilePart:
			// Chunks de um block que não o corrente são ignorados
			if m.Block == block.Index() {
				if err := block.Write(m.Chunk, tail); err != nil {
					logger.Debug("dropping malformed chunk", "block", m.Block, "chunk", m.Chunk, "error", err)
				}
			}
		case BlockComplete:
			switch {
			case m.Block == block.Index():
				missing := block.Missing()
				if len(missing) == 0 {
					if err := e.SendRaw(Encode(BlockCompleteAck{Block: m.Block})); err != nil {
						return err
					}
					if err := block.Commit(); err != nil {
						return err
					}
					block = writer.NextBlock()
					if block == nil {
						break receiveLoop
					}
				} else {
					count := uint32(len(missing))
					for start := 0; start < len(missing); start += missingChunkBatch {
						end := min(start+missingChunkBatch, len(missing))
						part := BlockMissingChunk{Block: m.Block, Chunks: missing[start:end], Count: count}
						if err := e.SendRaw(Encode(part)); err != nil {
							return err
						}
					}
				}
			case m.Block+1 == block.Index():
				// O sender não recebeu o BlockCompleteAck do block anterior
				if err := e.SendRaw(Encode(BlockCompleteAck{Block: m.Block})); err != nil {
					return err
				}
			}
		}
	}
	e.SetReadDeadline(time.Time{})

	if err := writer.Rename(); err != nil {
		return err
	}
	return sendComplete(e, buf, req.Name, logger)
}

// recvMessage lê o próximo datagrama do peer conectado e o decodifica como
// mensagem de transferência. Para FilePart o tail é o payload do chunk;
// outras mensagens devem consumir o datagrama inteiro. Datagramas que não
// decodificam são descartados.
func recvMessage(e *transport.Endpoint, buf []byte) (Message, []byte, error) {
	for {
		n, err := e.RecvRaw(buf)
		if err != nil {
			return nil, nil, err
		}
		msg, tail, derr := DecodeTrailing(buf[:n])
		if derr != nil {
			continue
		}
		if _, ok := msg.(FilePart); ok {
			return msg, tail, nil
		}
		if len(tail) == 0 {
			return msg, nil, nil
		}
	}
}

// sendComplete notifica o sender de que o arquivo foi concluído. O timeout
// aqui conta como sucesso: o FileCompleteAck pode se perder sem prejuízo.
func sendComplete(e *transport.Endpoint, buf []byte, name string, logger *slog.Logger) error {
	op := &completeOp{e: e, buf: buf}
	if _, err := transport.Perform(e, op); err != nil {
		return fmt.Errorf("send complete: %w", err)
	}
	logger.Info("receive complete", "name", name)
	return nil
}

// sendResponse envia a Response e resolve com o primeiro FilePart do block
// inicial, que confirma que o sender recebeu a Response.
type sendResponse struct {
	e     *transport.Endpoint
	buf   []byte
	block uint32
}

// firstChunk é o primeiro chunk recebido após a Response.
type firstChunk struct {
	chunk uint32
	data  []byte
}

func (op *sendResponse) Poll() error {
	resp := Response{BlockSize: BlockSize, ChunkSize: ChunkSize, StartBlock: op.block}
	return op.e.SendRaw(Encode(resp))
}

func (op *sendResponse) Resolve() (firstChunk, error) {
	for {
		msg, tail, err := recvMessage(op.e, op.buf)
		if err != nil {
			return firstChunk{}, err
		}
		if fp, ok := msg.(FilePart); ok && fp.Block == op.block {
			return firstChunk{chunk: fp.Chunk, data: tail}, nil
		}
	}
}

func (op *sendResponse) Result() (firstChunk, bool) {
	return firstChunk{}, false
}

// completeOp envia FileComplete até receber o FileCompleteAck. O resultado
// parcial é sucesso: o sender pode já ter encerrado após o ack perdido.
type completeOp struct {
	e   *transport.Endpoint
	buf []byte
}

func (op *completeOp) Poll() error {
	return op.e.SendRaw(Encode(FileComplete{}))
}

func (op *completeOp) Resolve() (struct{}, error) {
	for {
		msg, _, err := recvMessage(op.e, op.buf)
		if err != nil {
			return struct{}{}, err
		}
		if _, ok := msg.(FileCompleteAck); ok {
			return struct{}{}, nil
		}
	}
}

func (op *completeOp) Result() (struct{}, bool) {
	return struct{}{}, true
}

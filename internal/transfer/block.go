// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transfer

import (
	"fmt"
	"io"
	"iter"
	"os"
)

// BlockReader lê um arquivo em blocks de tamanho fixo, um por vez.
type BlockReader struct {
	file          *os.File
	blockSize     uint32
	lastBlockSize uint32
	chunkSize     uint16
	nextBlock     uint32
	lastBlock     uint32
	buf           []byte
}

// NewBlockReader cria um reader posicionado em startBlock.
func NewBlockReader(file *os.File, fileSize uint64, blockSize uint32, chunkSize uint16, startBlock uint32) (*BlockReader, error) {
	if startBlock > 0 {
		offset := int64(startBlock) * int64(blockSize)
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seeking to block %d: %w", startBlock, err)
		}
	}

	lastBlock, lastBlockSize := lastBlockIndexSize(fileSize, blockSize)
	return &BlockReader{
		file:          file,
		blockSize:     blockSize,
		lastBlockSize: lastBlockSize,
		chunkSize:     chunkSize,
		nextBlock:     startBlock,
		lastBlock:     lastBlock,
		buf:           make([]byte, blockSize),
	}, nil
}

// Read retorna o próximo block, ou nil quando não há mais blocks.
// O buffer retornado é reutilizado na próxima chamada.
func (r *BlockReader) Read() (*Block, error) {
	var n uint32
	switch {
	case r.nextBlock < r.lastBlock:
		n = r.blockSize
	case r.nextBlock == r.lastBlock:
		n = r.lastBlockSize
	default:
		return nil, nil
	}

	if _, err := io.ReadFull(r.file, r.buf[:n]); err != nil {
		return nil, fmt.Errorf("reading block %d: %w", r.nextBlock, err)
	}

	block := &Block{
		index:     r.nextBlock,
		data:      r.buf[:n],
		chunkSize: r.chunkSize,
	}
	r.nextBlock++
	return block, nil
}

// Block é um block lido, fatiável em chunks.
type Block struct {
	index     uint32
	data      []byte
	chunkSize uint16
}

// Index retorna o índice do block no arquivo.
func (b *Block) Index() uint32 {
	return b.index
}

// Chunks itera os chunks do block em ordem ascendente.
func (b *Block) Chunks() iter.Seq2[uint32, []byte] {
	return func(yield func(uint32, []byte) bool) {
		size := int(b.chunkSize)
		for i := 0; i*size < len(b.data); i++ {
			end := min((i+1)*size, len(b.data))
			if !yield(uint32(i), b.data[i*size:end]) {
				return
			}
		}
	}
}

// GetChunk retorna o chunk de índice dado, para retransmissão.
func (b *Block) GetChunk(index uint32) ([]byte, bool) {
	start := int(b.chunkSize) * int(index)
	if start >= len(b.data) {
		return nil, false
	}
	end := min(start+int(b.chunkSize), len(b.data))
	return b.data[start:end], true
}

// lastBlockIndexSize retorna o índice e o tamanho do último block.
// fileSize deve ser > 0.
func lastBlockIndexSize(fileSize uint64, blockSize uint32) (uint32, uint32) {
	q := fileSize / uint64(blockSize)
	r := fileSize % uint64(blockSize)
	if r == 0 {
		return uint32(q - 1), blockSize
	}
	return uint32(q), uint32(r)
}

// lastChunkIndexSize retorna o índice e o tamanho do último chunk de um block.
func lastChunkIndexSize(blockSize uint32, chunkSize uint16) (uint32, uint16) {
	q := blockSize / uint32(chunkSize)
	r := blockSize % uint32(chunkSize)
	if r == 0 {
		return q - 1, chunkSize
	}
	return q, uint16(r)
}

// BlockWriter grava um arquivo em blocks, com resume via sidecar .part.
type BlockWriter struct {
	path          string
	file          *os.File
	blockSize     uint32
	lastBlockSize uint32
	chunkSize     uint16
	nextBlock     uint32
	lastBlock     uint32
	buf           []byte
	written       *BitArray
}

// NewBlockWriter prepara a escrita de um arquivo de fileSize bytes em path.
//
// Com resume, um .part existente menor que o alvo é reaberto e a escrita
// continua do último block inteiro; um .part do tamanho exato é promovido ao
// nome final e o retorno é (nil, nil) — transferência já completa; um .part
// maior é truncado e a transferência recomeça.
//
// Um arquivo de tamanho zero é criado direto no nome final, sem writer.
func NewBlockWriter(path string, fileSize uint64, blockSize uint32, chunkSize uint16, resume bool) (*BlockWriter, error) {
	if fileSize == 0 {
		f, err := createTruncate(path)
		if err != nil {
			return nil, err
		}
		f.Close()
		return nil, nil
	}

	part := partPath(path)
	var file *os.File
	var nextBlock uint32

	if info, err := os.Stat(part); resume && err == nil {
		size := uint64(info.Size())
		switch {
		case size < fileSize:
			f, err := os.OpenFile(part, os.O_WRONLY, 0644)
			if err != nil {
				return nil, fmt.Errorf("cannot open %s: %w", part, err)
			}
			nextBlock = uint32(size / uint64(blockSize))
			offset := int64(nextBlock) * int64(blockSize)
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				f.Close()
				return nil, fmt.Errorf("seeking %s to block %d: %w", part, nextBlock, err)
			}
			file = f
		case size == fileSize:
			if err := os.Rename(part, path); err != nil {
				return nil, fmt.Errorf("rename %s to %s: %w", part, path, err)
			}
			return nil, nil
		default:
			f, err := createTruncate(part)
			if err != nil {
				return nil, err
			}
			file = f
		}
	} else {
		f, err := createTruncate(part)
		if err != nil {
			return nil, err
		}
		file = f
	}

	lastBlock, lastBlockSize := lastBlockIndexSize(fileSize, blockSize)
	return &BlockWriter{
		path:          path,
		file:          file,
		blockSize:     blockSize,
		lastBlockSize: lastBlockSize,
		chunkSize:     chunkSize,
		nextBlock:     nextBlock,
		lastBlock:     lastBlock,
		buf:           make([]byte, blockSize),
		written:       NewBitArray(0),
	}, nil
}

// NextBlock prepara o buffer do próximo block, ou nil quando o arquivo
// está completo.
func (w *BlockWriter) NextBlock() *BlockBuffer {
	var blockSize uint32
	switch {
	case w.nextBlock < w.lastBlock:
		blockSize = w.blockSize
	case w.nextBlock == w.lastBlock:
		blockSize = w.lastBlockSize
	default:
		return nil
	}

	chunkCount := blockSize/uint32(w.chunkSize) + min(blockSize%uint32(w.chunkSize), 1)
	w.written.Reset(chunkCount)

	lastChunk, lastChunkSize := lastChunkIndexSize(blockSize, w.chunkSize)
	return &BlockBuffer{
		writer:        w,
		blockSize:     blockSize,
		lastChunk:     lastChunk,
		lastChunkSize: lastChunkSize,
	}
}

// StartBlock retorna o block em que a escrita (re)começa.
func (w *BlockWriter) StartBlock() uint32 {
	return w.nextBlock
}

// Rename promove o .part ao nome final.
func (w *BlockWriter) Rename() error {
	part := partPath(w.path)
	if err := os.Rename(part, w.path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", part, w.path, err)
	}
	return nil
}

// Close fecha o arquivo subjacente.
func (w *BlockWriter) Close() error {
	return w.file.Close()
}

// BlockBuffer acumula os chunks de um block em memória até o commit.
type BlockBuffer struct {
	writer        *BlockWriter
	blockSize     uint32
	lastChunk     uint32
	lastChunkSize uint16
}

// Index retorna o índice do block em progresso.
func (b *BlockBuffer) Index() uint32 {
	return b.writer.nextBlock
}

// Write grava um chunk no buffer do block. O primeiro write de cada chunk
// vence; duplicatas são ignoradas. Chunks fora da faixa ou com tamanho
// inconsistente são rejeitados.
func (b *BlockBuffer) Write(chunk uint32, data []byte) error {
	switch {
	case chunk < b.lastChunk:
		if len(data) != int(b.writer.chunkSize) {
			return fmt.Errorf("transfer: chunk %d has %d bytes, expected %d", chunk, len(data), b.writer.chunkSize)
		}
	case chunk == b.lastChunk:
		if len(data) != int(b.lastChunkSize) {
			return fmt.Errorf("transfer: last chunk %d has %d bytes, expected %d", chunk, len(data), b.lastChunkSize)
		}
	default:
		return fmt.Errorf("transfer: chunk %d out of range %d", chunk, b.lastChunk)
	}

	if !b.writer.written.IsSet(chunk) {
		b.writer.written.Set(chunk)
		start := int(b.writer.chunkSize) * int(chunk)
		copy(b.writer.buf[start:start+len(data)], data)
	}
	return nil
}

// Missing retorna os chunks ainda não recebidos, em ordem ascendente.
func (b *BlockBuffer) Missing() []uint32 {
	return b.writer.written.CollectUnset()
}

// Commit grava o block no arquivo e avança para o próximo.
func (b *BlockBuffer) Commit() error {
	if _, err := b.writer.file.Write(b.writer.buf[:b.blockSize]); err != nil {
		return fmt.Errorf("writing block %d: %w", b.writer.nextBlock, err)
	}
	b.writer.nextBlock++
	return nil
}

// partPath deriva o caminho do sidecar de transferência em progresso.
func partPath(path string) string {
	return path + ".part"
}

func createTruncate(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", path, err)
	}
	return f, nil
}

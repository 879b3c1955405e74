// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/n-transfer/internal/config"
)

// CompressSource comprime o arquivo de origem para um temporário antes do
// envio. Retorna o caminho do temporário e o nome de transferência (nome
// original + sufixo do modo). O SHA-256 do payload comprimido é calculado
// inline e logado.
//
// O chamador é responsável por remover o temporário após o envio.
func CompressSource(path, mode string, logger *slog.Logger) (string, string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("cannot open %s: %w", path, err)
	}
	defer src.Close()

	var suffix string
	switch mode {
	case config.CompressionGzip:
		suffix = ".gz"
	case config.CompressionZstd:
		suffix = ".zst"
	default:
		return "", "", fmt.Errorf("transfer: unsupported compression mode %q", mode)
	}

	tmp, err := os.CreateTemp("", "ntransfer-*"+suffix)
	if err != nil {
		return "", "", fmt.Errorf("creating temp file: %w", err)
	}

	hasher := sha256.New()
	dest := io.MultiWriter(tmp, hasher)

	var cw io.WriteCloser
	switch mode {
	case config.CompressionGzip:
		cw = pgzip.NewWriter(dest)
	case config.CompressionZstd:
		zw, err := zstd.NewWriter(dest)
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return "", "", fmt.Errorf("creating zstd writer: %w", err)
		}
		cw = zw
	}

	if _, err := io.Copy(cw, src); err != nil {
		cw.Close()
		tmp.Close()
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("compressing %s: %w", path, err)
	}
	if err := cw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("closing compressor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("closing temp file: %w", err)
	}

	info, err := os.Stat(tmp.Name())
	if err != nil {
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("stat temp file: %w", err)
	}

	name := filepath.Base(path) + suffix
	logger.Info("source compressed",
		"mode", mode,
		"name", name,
		"compressed_bytes", info.Size(),
		"sha256", hex.EncodeToString(hasher.Sum(nil)),
	)

	return tmp.Name(), name, nil
}

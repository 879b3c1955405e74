// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida os arquivos YAML de configuração do
// ntransfer-peer e do ntransfer-rendezvous. Flags de linha de comando têm
// precedência sobre os valores do arquivo.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Modos de compressão pré-envio suportados pelo sender.
const (
	CompressionNone = ""
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// PeerConfig representa a configuração completa do ntransfer-peer.
type PeerConfig struct {
	Rendezvous RendezvousAddrs `yaml:"rendezvous"`
	ID         string          `yaml:"id"`
	Transfer   TransferInfo    `yaml:"transfer"`
	Logging    LoggingInfo     `yaml:"logging"`
}

// RendezvousAddrs contém os dois endpoints do servidor de rendezvous.
// São dois destinos distintos para a detecção de NAT simétrico.
type RendezvousAddrs struct {
	Addr  string `yaml:"addr"`
	Addr2 string `yaml:"addr2"`
}

// TransferInfo contém as opções do sender.
type TransferInfo struct {
	BandwidthLimit    string `yaml:"bandwidth_limit"` // ex: "2mb" (bytes/s); vazio = sem limite
	BandwidthLimitRaw int64  `yaml:"-"`               // valor parseado em bytes/s
	Compression       string `yaml:"compression"`     // "", "gzip" ou "zstd"
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// LoadPeerConfig lê e valida o arquivo YAML de configuração do peer.
func LoadPeerConfig(path string) (*PeerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading peer config: %w", err)
	}

	var cfg PeerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing peer config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating peer config: %w", err)
	}

	return &cfg, nil
}

// DefaultPeerConfig retorna uma configuração vazia com defaults aplicados,
// para quando o peer roda só com flags.
func DefaultPeerConfig() *PeerConfig {
	cfg := &PeerConfig{}
	cfg.applyDefaults()
	return cfg
}

// Validate aplica defaults e valida os campos. Endereços e id podem chegar
// vazios do arquivo; a obrigatoriedade é verificada depois do merge com as
// flags, em ValidateResolved.
func (c *PeerConfig) Validate() error {
	c.applyDefaults()

	if c.Transfer.BandwidthLimit != "" {
		parsed, err := ParseByteSize(c.Transfer.BandwidthLimit)
		if err != nil {
			return fmt.Errorf("transfer.bandwidth_limit: %w", err)
		}
		c.Transfer.BandwidthLimitRaw = parsed
	}

	switch c.Transfer.Compression {
	case CompressionNone, CompressionGzip, CompressionZstd:
	default:
		return fmt.Errorf("transfer.compression must be empty, %q or %q, got %q",
			CompressionGzip, CompressionZstd, c.Transfer.Compression)
	}

	return nil
}

// ValidateResolved verifica os campos obrigatórios após o merge flags+arquivo.
func (c *PeerConfig) ValidateResolved() error {
	if c.Rendezvous.Addr == "" {
		return fmt.Errorf("rendezvous.addr is required")
	}
	if c.Rendezvous.Addr2 == "" {
		return fmt.Errorf("rendezvous.addr2 is required")
	}
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

func (c *PeerConfig) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}

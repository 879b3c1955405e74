// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig representa a configuração completa do ntransfer-rendezvous.
type ServerConfig struct {
	Server      ServerAddrs     `yaml:"server"`
	Registry    RegistryInfo    `yaml:"registry"`
	Maintenance MaintenanceInfo `yaml:"maintenance"`
	Stats       StatsInfo       `yaml:"stats"`
	Logging     LoggingInfo     `yaml:"logging"`
}

// ServerAddrs contém os dois endereços de bind do servidor.
// O segundo socket existe para os peers detectarem NAT simétrico: duas
// consultas a destinos distintos revelam se o NAT mapeia por destino.
type ServerAddrs struct {
	Addr  string `yaml:"addr"`
	Addr2 string `yaml:"addr2"`
}

// RegistryInfo contém os parâmetros de garbage collection do registro de peers.
// Durations em formato Go ("600s", "10m"); os campos Raw guardam o valor parseado.
type RegistryInfo struct {
	GCAge         string        `yaml:"gc_age"`      // idade máxima de uma entrada (default "600s")
	GCAgeRaw      time.Duration `yaml:"-"`
	GCMinSize     int           `yaml:"gc_min_size"` // tamanho mínimo do registro para acionar GC (default 256)
	GCInterval    string        `yaml:"gc_interval"` // intervalo mínimo entre sweeps (default "600s")
	GCIntervalRaw time.Duration `yaml:"-"`
}

// MaintenanceInfo contém o agendamento opcional de sweep forçado do registro.
type MaintenanceInfo struct {
	Schedule string `yaml:"schedule"` // cron expression; vazio = desabilitado
}

// StatsInfo contém o intervalo do stats reporter.
type StatsInfo struct {
	Interval    string        `yaml:"interval"` // default "15s"; "0" desabilita
	IntervalRaw time.Duration `yaml:"-"`
}

// LoadServerConfig lê e valida o arquivo YAML de configuração do servidor.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

// DefaultServerConfig retorna uma configuração com defaults aplicados,
// para quando o servidor roda só com flags.
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}
	// Uma config vazia sempre valida
	cfg.Validate()
	return cfg
}

// Validate aplica defaults e valida os campos. Os endereços podem chegar
// vazios do arquivo; a obrigatoriedade é verificada após o merge com as flags.
func (c *ServerConfig) Validate() error {
	if c.Registry.GCAge == "" {
		c.Registry.GCAge = "600s"
	}
	gcAge, err := time.ParseDuration(c.Registry.GCAge)
	if err != nil {
		return fmt.Errorf("registry.gc_age: %w", err)
	}
	if gcAge <= 0 {
		return fmt.Errorf("registry.gc_age must be positive, got %s", c.Registry.GCAge)
	}
	c.Registry.GCAgeRaw = gcAge

	if c.Registry.GCMinSize == 0 {
		c.Registry.GCMinSize = 256
	}
	if c.Registry.GCMinSize < 0 {
		return fmt.Errorf("registry.gc_min_size must not be negative")
	}

	if c.Registry.GCInterval == "" {
		c.Registry.GCInterval = "600s"
	}
	gcInterval, err := time.ParseDuration(c.Registry.GCInterval)
	if err != nil {
		return fmt.Errorf("registry.gc_interval: %w", err)
	}
	if gcInterval <= 0 {
		return fmt.Errorf("registry.gc_interval must be positive, got %s", c.Registry.GCInterval)
	}
	c.Registry.GCIntervalRaw = gcInterval

	if c.Stats.Interval == "" {
		c.Stats.Interval = "15s"
	}
	statsInterval, err := time.ParseDuration(c.Stats.Interval)
	if err != nil {
		return fmt.Errorf("stats.interval: %w", err)
	}
	if statsInterval < 0 {
		return fmt.Errorf("stats.interval must not be negative, got %s", c.Stats.Interval)
	}
	c.Stats.IntervalRaw = statsInterval

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// ValidateResolved verifica os campos obrigatórios após o merge flags+arquivo.
func (c *ServerConfig) ValidateResolved() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.Addr2 == "" {
		return fmt.Errorf("server.addr2 is required")
	}
	return nil
}

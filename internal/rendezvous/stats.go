// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rendezvous

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// runStatsReporter loga periodicamente os contadores do servidor e métricas
// do host. Falhas de coleta não interrompem o reporter.
func runStatsReporter(ctx context.Context, counters *Counters, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			attrs := []any{
				"peers", counters.PeerCount.Load(),
				"packets", counters.Packets.Load(),
				"queries", counters.Queries.Load(),
				"registers", counters.Registers.Load(),
				"lookups", counters.Lookups.Load(),
				"punches", counters.Punches.Load(),
			}

			if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
				attrs = append(attrs, "cpu_percent", percents[0])
			}
			if vm, err := mem.VirtualMemory(); err == nil {
				attrs = append(attrs, "memory_percent", vm.UsedPercent)
			}
			if avg, err := load.Avg(); err == nil {
				attrs = append(attrs, "load1", avg.Load1)
			}

			logger.Info("server stats", attrs...)
		}
	}
}

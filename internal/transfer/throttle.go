// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transfer

import (
	"context"

	"golang.org/x/time/rate"
)

// maxBurstSize é o burst máximo do rate limiter (256KB).
const maxBurstSize = 256 * 1024

// Throttle limita a taxa de envio de chunks com um token bucket.
// Um Throttle nil não aplica limite (caminho default do sender).
type Throttle struct {
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottle cria um Throttle com a taxa máxima em bytes/segundo.
// Retorna nil se bytesPerSec <= 0 (sem limite).
func NewThrottle(ctx context.Context, bytesPerSec int64) *Throttle {
	if bytesPerSec <= 0 {
		return nil
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &Throttle{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Wait bloqueia até haver tokens para n bytes, respeitando a taxa.
func (t *Throttle) Wait(n int) error {
	if t == nil {
		return nil
	}
	for n > 0 {
		step := min(n, t.limiter.Burst())
		if err := t.limiter.WaitN(t.ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// Package idissuer implements IdIssuer (spec.md §4.10): composite 63-bit
// ids built from a wall-clock component, a worker id, and a per-day
// sequence drawn from the KV store.
package idissuer

import (
	"context"
	"fmt"
	"time"

	"github.com/chatcore/linechat/internal/kvstore"
	"github.com/chatcore/linechat/internal/pool"
)

const (
	sequenceBits  = 22
	workerIDBits  = 10
	sequenceMask  = (1 << sequenceBits) - 1
	workerIDShift = sequenceBits
)

// Issuer hands out composite ids: (now-epoch seconds << 32) |
// (workerId << 22) | (sequence & ((1<<22)-1)).
type Issuer struct {
	kv       *pool.Pool[kvstore.Conn]
	epoch    time.Time
	workerID int64
}

// New builds an Issuer. epoch is the configured zero-point for the
// wall-clock component (default 2023-01-01 00:00 local, per spec.md
// §4.10); workerID must fit in 10 bits (0..1023).
func New(kv *pool.Pool[kvstore.Conn], epoch time.Time, workerID int64) *Issuer {
	return &Issuer{kv: kv, epoch: epoch, workerID: workerID & ((1 << workerIDBits) - 1)}
}

// Next implements next(bizKey): it increments a per-day counter in the KV
// store and folds it into the composite id described above.
func (i *Issuer) Next(ctx context.Context, bizKey string) (int64, error) {
	h, err := i.kv.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer h.Release()

	now := time.Now()
	day := now.In(time.Local).Format("20060102")
	counterKey := fmt.Sprintf("id:%s:%s", bizKey, day)

	seq, err := h.Value.IncrBy(ctx, counterKey, 1)
	if err != nil {
		return 0, err
	}

	elapsed := int64(now.Sub(i.epoch).Seconds())
	if elapsed < 0 {
		elapsed = 0
	}

	id := (elapsed << 32) | (i.workerID << workerIDShift) | (seq & sequenceMask)
	return id, nil
}

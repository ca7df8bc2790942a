package common

import (
	"errors"
	"math"
	"math/big"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaNotionalExceeded = errors.New("quota notional cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaUsage captures the current quota counters for an address. Counters
// reset when the epoch rolls over.
type QuotaUsage struct {
	Requests int
	Notional *big.Int
	EpochID  uint64
}

// Quota limits per-address trading activity within an epoch. Zero fields
// disable the corresponding limit.
type Quota struct {
	MaxRequestsPerEpoch int
	MaxNotionalPerEpoch *big.Int
	EpochSeconds        uint32
}

// Enabled reports whether any limit is configured.
func (q Quota) Enabled() bool {
	return q.MaxRequestsPerEpoch > 0 || (q.MaxNotionalPerEpoch != nil && q.MaxNotionalPerEpoch.Sign() > 0)
}

// Epoch maps a timestamp onto the quota's epoch counter.
func (q Quota) Epoch(now int64) uint64 {
	if q.EpochSeconds == 0 || now < 0 {
		return 0
	}
	return uint64(now) / uint64(q.EpochSeconds)
}

// CheckQuota verifies one additional request of the given notional fits within
// the quota. The returned usage reflects the updated counters when it does;
// on denial the previous counters are returned unchanged.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaUsage, notional *big.Int) (QuotaUsage, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaUsage{EpochID: nowEpoch}
	}
	if next.Notional == nil {
		next.Notional = new(big.Int)
	}

	if next.Requests == math.MaxInt {
		return prev, ErrQuotaCounterOverflow
	}
	next.Requests++
	if q.MaxRequestsPerEpoch > 0 && next.Requests > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if notional != nil && notional.Sign() > 0 {
		next.Notional = new(big.Int).Add(next.Notional, notional)
	}
	if q.MaxNotionalPerEpoch != nil && q.MaxNotionalPerEpoch.Sign() > 0 && next.Notional.Cmp(q.MaxNotionalPerEpoch) > 0 {
		return prev, ErrQuotaNotionalExceeded
	}

	return next, nil
}

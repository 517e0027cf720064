// Package oracle defines the authenticated price-feed interface consumed by
// the position engine. Verification of the feed's authenticity lives behind
// the Verifier; the engine only sees already-verified quotes and applies its
// own normalization and staleness policy.
package oracle

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of decimal places every verified price is
// normalized to before the engine uses it.
const PriceScale int32 = 6

// PricePoint is one instrument's entry inside a verified snapshot. Price is
// the feed's raw integer-scaled value; Decimals is its scale.
type PricePoint struct {
	AssetID   uint32          `json:"asset_id"`
	Price     decimal.Decimal `json:"price"`
	Decimals  int32           `json:"decimals"`
	Timestamp int64           `json:"timestamp"` // unix seconds, or milliseconds from some feeds
}

// Snapshot is a batch of verified price points sharing one proof.
type Snapshot struct {
	Points []PricePoint `json:"points"`
}

// Verifier authenticates a raw price proof and returns the snapshot it
// carries. Implementations perform whatever signature or proof checking the
// feed requires; a returned snapshot is trusted by the engine.
type Verifier interface {
	Verify(proof []byte) (*Snapshot, error)
}

var ErrPairNotInSnapshot = errors.New("oracle: pair not in snapshot")

// Extract returns the normalized 6-decimal price and observation time for
// assetID, or ErrPairNotInSnapshot. Millisecond timestamps are reduced to
// seconds, matching feeds that report in either unit.
func (s *Snapshot) Extract(assetID uint32) (decimal.Decimal, time.Time, error) {
	for _, p := range s.Points {
		if p.AssetID != assetID {
			continue
		}
		ts := p.Timestamp
		if ts > 1_000_000_000_000 {
			ts /= 1000
		}
		return Normalize(p.Price, p.Decimals), time.Unix(ts, 0), nil
	}
	return decimal.Zero, time.Time{}, ErrPairNotInSnapshot
}

// Normalize rescales a raw integer-scaled feed price carrying the given
// number of decimal places onto the engine's fixed 6-decimal scale,
// truncating excess precision.
func Normalize(raw decimal.Decimal, decimals int32) decimal.Decimal {
	return raw.Shift(-decimals).Truncate(PriceScale)
}

package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StaticVerifier is an in-process Verifier for simulation and tests. Proofs
// are JSON-encoded snapshots; Verify only decodes them. A production
// deployment swaps in a verifier that checks the feed's signatures.
type StaticVerifier struct {
	mu     sync.RWMutex
	prices map[uint32]PricePoint
}

func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{prices: make(map[uint32]PricePoint)}
}

// SetPrice records the current price for an asset, stamped now.
func (v *StaticVerifier) SetPrice(assetID uint32, price decimal.Decimal) {
	v.SetPriceAt(assetID, price, time.Now())
}

// SetPriceAt records a price observed at the given time.
func (v *StaticVerifier) SetPriceAt(assetID uint32, price decimal.Decimal, at time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[assetID] = PricePoint{
		AssetID:   assetID,
		Price:     price.Shift(PriceScale).Truncate(0),
		Decimals:  PriceScale,
		Timestamp: at.Unix(),
	}
}

// Proof builds a proof blob covering the requested assets at their last
// recorded prices.
func (v *StaticVerifier) Proof(assetIDs ...uint32) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	snap := Snapshot{}
	for _, id := range assetIDs {
		p, ok := v.prices[id]
		if !ok {
			return nil, fmt.Errorf("oracle: no price recorded for asset %d", id)
		}
		snap.Points = append(snap.Points, p)
	}
	return json.Marshal(&snap)
}

// Verify decodes a JSON proof into a snapshot.
func (v *StaticVerifier) Verify(proof []byte) (*Snapshot, error) {
	if len(proof) == 0 {
		return nil, errors.New("oracle: empty proof")
	}
	var snap Snapshot
	if err := json.Unmarshal(proof, &snap); err != nil {
		return nil, fmt.Errorf("oracle: malformed proof: %w", err)
	}
	return &snap, nil
}

package core

import (
	"HalvingMassacre/internal/game"
	"HalvingMassacre/internal/store"
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ReceiptStatus is where a zap receipt stands in the pipeline.
type ReceiptStatus int

const (
	// ReceiptNew has never been recorded.
	ReceiptNew ReceiptStatus = iota
	// ReceiptUnanswered had its effect applied but its responses were not
	// all published.
	ReceiptUnanswered
	// ReceiptAnswered is fully processed.
	ReceiptAnswered
)

// ReceiptChecker implements two-tier deduplication of zap receipts.
// Tier 1 is an LRU of answered receipt ids, tier 2 the store.
type ReceiptChecker struct {
	answered *lru.Cache[string, struct{}]
	store    store.Store
}

func NewReceiptChecker(capacity int, st store.Store) (*ReceiptChecker, error) {
	c, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	return &ReceiptChecker{answered: c, store: st}, nil
}

// Check classifies a receipt id. For unanswered receipts the stored record
// is returned too.
func (rc *ReceiptChecker) Check(ctx context.Context, id string) (ReceiptStatus, *game.Receipt, string, error) {
	if rc.answered.Contains(id) {
		return ReceiptAnswered, nil, "lru", nil
	}
	r, err := rc.store.Receipt(ctx, id)
	if errors.Is(err, game.ErrNotFound) {
		return ReceiptNew, nil, "store", nil
	}
	if err != nil {
		return ReceiptNew, nil, "store", err
	}
	if r.IsAnswered {
		rc.answered.Add(id, struct{}{})
		return ReceiptAnswered, r, "store", nil
	}
	return ReceiptUnanswered, r, "store", nil
}

// MarkAnswered persists the answered flag and remembers it in the LRU.
func (rc *ReceiptChecker) MarkAnswered(ctx context.Context, id string) error {
	if err := rc.store.MarkAnswered(ctx, id); err != nil {
		return err
	}
	rc.answered.Add(id, struct{}{})
	return nil
}

// Len returns the number of cached answered ids.
func (rc *ReceiptChecker) Len() int {
	return rc.answered.Len()
}

package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Stub approves every request and derives references from the idempotency
// key, so retries return the same reference. Used for local development and
// environments without a payment provider.
type Stub struct{}

func NewStub() *Stub {
	return &Stub{}
}

func (s *Stub) Charge(_ context.Context, req ChargeRequest) (*Result, error) {
	return &Result{Reference: stubReference("ch", req.IdempotencyKey)}, nil
}

func (s *Stub) Payout(_ context.Context, req PayoutRequest) (*Result, error) {
	return &Result{Reference: stubReference("po", req.IdempotencyKey)}, nil
}

func (s *Stub) Refund(_ context.Context, req RefundRequest) (*Result, error) {
	return &Result{Reference: stubReference("rf", req.IdempotencyKey)}, nil
}

func stubReference(prefix, idempotencyKey string) string {
	sum := sha256.Sum256([]byte(idempotencyKey))
	return prefix + "_" + hex.EncodeToString(sum[:8])
}

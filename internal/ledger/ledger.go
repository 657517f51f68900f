// Package ledger is the narrow interface to the external durable
// on-chain storage layer. The relay never retries ledger failures;
// they are logged and the message continues through normal delivery.
package ledger

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
)

// Ledger stores a payload durably and returns an opaque reference.
type Ledger interface {
	Store(ctx context.Context, payload []byte) (reference string, err error)
}

// NoopLedger logs each store and returns a content-derived reference.
// Used when no real ledger endpoint is configured.
type NoopLedger struct {
	mu     sync.Mutex
	stored int64
	logger zerolog.Logger
}

// NewNoop creates the logging stand-in ledger.
func NewNoop(logger zerolog.Logger) *NoopLedger {
	return &NoopLedger{logger: logger.With().Str("component", "ledger").Logger()}
}

// Store returns the blake2b digest of the payload as its reference.
func (l *NoopLedger) Store(_ context.Context, payload []byte) (string, error) {
	sum := blake2b.Sum256(payload)
	ref := hex.EncodeToString(sum[:])

	l.mu.Lock()
	l.stored++
	n := l.stored
	l.mu.Unlock()

	l.logger.Debug().
		Str("reference", ref[:16]).
		Int64("total_stored", n).
		Msg("payload recorded")
	return ref, nil
}

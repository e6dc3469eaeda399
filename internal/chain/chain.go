// Package chain wraps the opaque "submit transaction, await receipt"
// capability. The wrapper adds the policies every value-moving caller needs:
// base-unit conversion, submission throttling, a circuit breaker, and a
// bounded receipt wait whose timeout is reported as an unknown outcome,
// never as success or failure.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/pkg/circuit"
	"github.com/terminal-bench/agentworld/pkg/decimal"
	"golang.org/x/time/rate"
)

// Receipt is the settled outcome of a transaction.
type Receipt struct {
	Success  bool
	BlockRef string
}

// Submitter is the external chain collaborator.
type Submitter interface {
	// SubmitTransfer sends amount base units to the address. ref is a
	// deterministic caller reference; implementations that support it must
	// return the same transaction for the same ref.
	SubmitTransfer(ctx context.Context, to string, amount *uint256.Int, ref string) (string, error)
	// AwaitReceipt blocks until the transaction settles or ctx is done.
	AwaitReceipt(ctx context.Context, txHash string) (Receipt, error)
}

// Config tunes the client policies.
type Config struct {
	// Decimals is the token's base-unit precision.
	Decimals       int32
	SubmitTimeout  time.Duration
	ReceiptTimeout time.Duration
	// SubmitsPerSecond throttles outbound submissions. Zero disables it.
	SubmitsPerSecond float64
	Burst            int
	Breaker          circuit.Config
}

// DefaultConfig returns production-leaning defaults.
func DefaultConfig() Config {
	return Config{
		Decimals:         18,
		SubmitTimeout:    15 * time.Second,
		ReceiptTimeout:   60 * time.Second,
		SubmitsPerSecond: 5,
		Burst:            10,
		Breaker: circuit.Config{
			Name:        "chain",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 1,
		},
	}
}

// Client applies policies around a Submitter.
type Client struct {
	sub     Submitter
	cfg     Config
	limiter *rate.Limiter
	breaker *circuit.Breaker
}

// NewClient creates a client.
func NewClient(sub Submitter, cfg Config) *Client {
	c := &Client{
		sub:     sub,
		cfg:     cfg,
		breaker: circuit.NewBreaker(cfg.Breaker),
	}
	if cfg.SubmitsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.SubmitsPerSecond), burst)
	}
	return c
}

// Breaker exposes the client's circuit breaker state for health reporting.
func (c *Client) Breaker() *circuit.Breaker {
	return c.breaker
}

// Transfer submits a transfer of amount to the address and returns its hash.
// A submission that times out may still have been broadcast, so it is
// reported as unconfirmed.
func (c *Client) Transfer(ctx context.Context, to string, amount decimal.Amount, ref string) (string, error) {
	units, err := ToBaseUnits(amount, c.cfg.Decimals)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindValidation, apperrors.CodeInvalidAmount, "amount not representable on chain", err)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", apperrors.Unavailable(apperrors.CodeChainUnavailable, "submission throttled", err)
		}
	}

	var txHash string
	err = c.breaker.Execute(ctx, func() error {
		subCtx, cancel := withTimeout(ctx, c.cfg.SubmitTimeout)
		defer cancel()
		h, err := c.sub.SubmitTransfer(subCtx, to, units, ref)
		txHash = h
		return err
	})
	switch {
	case err == nil:
		return txHash, nil
	case errors.Is(err, context.DeadlineExceeded):
		return "", apperrors.Unconfirmed(apperrors.CodeUnconfirmedTransfer, "transfer submission outcome unknown", err).WithMeta("ref", ref)
	case errors.Is(err, circuit.ErrCircuitOpen), errors.Is(err, circuit.ErrTooManyRequests):
		return "", apperrors.Unavailable(apperrors.CodeChainUnavailable, "chain circuit open", err)
	default:
		return "", apperrors.Unavailable(apperrors.CodeChainUnavailable, "transfer submission failed", err)
	}
}

// Confirm waits a bounded time for the receipt of txHash. A reverted
// transaction returns its receipt together with a TransferFailed error.
func (c *Client) Confirm(ctx context.Context, txHash string) (Receipt, error) {
	var receipt Receipt
	err := c.breaker.Execute(ctx, func() error {
		rctx, cancel := withTimeout(ctx, c.cfg.ReceiptTimeout)
		defer cancel()
		r, err := c.sub.AwaitReceipt(rctx, txHash)
		receipt = r
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		return Receipt{}, apperrors.Unconfirmed(apperrors.CodeUnconfirmedTransfer, "receipt not yet available", err).WithMeta("tx", txHash)
	case errors.Is(err, circuit.ErrCircuitOpen), errors.Is(err, circuit.ErrTooManyRequests):
		return Receipt{}, apperrors.Unavailable(apperrors.CodeChainUnavailable, "chain circuit open", err)
	default:
		return Receipt{}, apperrors.Unavailable(apperrors.CodeChainUnavailable, "receipt lookup failed", err)
	}
	if !receipt.Success {
		return receipt, apperrors.New(apperrors.KindDependencyUnavailable, apperrors.CodeTransferFailed, fmt.Sprintf("transaction %s reverted", txHash))
	}
	return receipt, nil
}

// VerifyPayment confirms that txHash settled successfully. It satisfies the
// registry's entry-fee verifier.
func (c *Client) VerifyPayment(ctx context.Context, txHash string) error {
	_, err := c.Confirm(ctx, txHash)
	return err
}

// ToBaseUnits converts a decimal token amount to integer base units.
func ToBaseUnits(a decimal.Amount, decimals int32) (*uint256.Int, error) {
	shifted := a.Decimal().Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d fractional digits", a, decimals)
	}
	u, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, fmt.Errorf("amount %s overflows 256 bits", a)
	}
	return u, nil
}

// FromBaseUnits converts integer base units back to a decimal amount.
func FromBaseUnits(u *uint256.Int, decimals int32) (decimal.Amount, error) {
	return decimal.Parse(u.Dec() + "e-" + fmt.Sprint(decimals))
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

// Transfer is a transfer observed by the simulated chain.
type Transfer struct {
	To     string
	Amount *uint256.Int
	Ref    string
	TxHash string
}

// Simulated is an in-process Submitter for local runs and tests. The same
// ref always maps to the same transaction hash, so a resubmission is a no-op.
type Simulated struct {
	mu        sync.Mutex
	transfers map[string]Transfer
	order     []string
	settled   map[string]Receipt

	// SubmitErr, when set, fails every submission.
	SubmitErr error
	// Pending makes receipts block until the caller's context is done.
	Pending bool
	// Revert makes every receipt report failure.
	Revert bool
	// AcceptUnknown reports unknown hashes as settled, so entry fees paid
	// outside a local run verify.
	AcceptUnknown bool
}

// NewSimulated creates an empty simulated chain.
func NewSimulated() *Simulated {
	return &Simulated{
		transfers: make(map[string]Transfer),
		settled:   make(map[string]Receipt),
	}
}

// SubmitTransfer records the transfer and returns its deterministic hash.
func (s *Simulated) SubmitTransfer(ctx context.Context, to string, amount *uint256.Int, ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SubmitErr != nil {
		return "", s.SubmitErr
	}
	sum := sha256.Sum256([]byte(ref))
	hash := "0x" + hex.EncodeToString(sum[:])
	if _, ok := s.transfers[hash]; !ok {
		s.transfers[hash] = Transfer{To: to, Amount: amount.Clone(), Ref: ref, TxHash: hash}
		s.order = append(s.order, hash)
	}
	return hash, nil
}

// AwaitReceipt returns the receipt of a known transaction. Hashes recorded
// with Settle (e.g. entry fees paid outside this process) are also known.
func (s *Simulated) AwaitReceipt(ctx context.Context, txHash string) (Receipt, error) {
	s.mu.Lock()
	pending, revert, acceptUnknown := s.Pending, s.Revert, s.AcceptUnknown
	r, settled := s.settled[txHash]
	_, known := s.transfers[txHash]
	s.mu.Unlock()

	if pending {
		<-ctx.Done()
		return Receipt{}, ctx.Err()
	}
	if settled {
		return r, nil
	}
	if !known && acceptUnknown {
		return Receipt{Success: true, BlockRef: "sim-external"}, nil
	}
	if !known {
		return Receipt{}, fmt.Errorf("unknown transaction %s", txHash)
	}
	return Receipt{Success: !revert, BlockRef: "sim-" + txHash[2:10]}, nil
}

// Settle registers an externally paid transaction with the given outcome.
func (s *Simulated) Settle(txHash string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settled[txHash] = Receipt{Success: success, BlockRef: "sim-external"}
}

// Transfers returns the distinct transfers in submission order.
func (s *Simulated) Transfers() []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transfer, 0, len(s.order))
	for _, h := range s.order {
		out = append(out, s.transfers[h])
	}
	return out
}

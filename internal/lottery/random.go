package lottery

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
)

// Randomness produces uniformly distributed integers. Production deployments
// plug in a verifiable oracle whose output is unpredictable before the round
// closes.
type Randomness interface {
	// RandomInRange returns an integer in [min, max], both inclusive.
	RandomInRange(ctx context.Context, min, max int64) (int64, error)
}

// CryptoRandom draws from the operating system's CSPRNG.
type CryptoRandom struct{}

// RandomInRange implements Randomness.
func (CryptoRandom) RandomInRange(ctx context.Context, min, max int64) (int64, error) {
	if max < min {
		return 0, fmt.Errorf("empty range [%d, %d]", min, max)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	span := new(big.Int).Sub(big.NewInt(max), big.NewInt(min))
	span.Add(span, big.NewInt(1))
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return 0, err
	}
	return min + n.Int64(), nil
}

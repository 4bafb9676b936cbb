package idgen

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

const (
	// Min is the smallest token ever handed out. Everything below it is
	// short enough to be guessed.
	Min uint64 = 1 << 32
	// Max is the exclusive upper bound of the token range.
	Max uint64 = 1 << 62
)

// Generator produces candidate resource tokens. Implementations do not
// guarantee uniqueness; callers check against their live set.
type Generator interface {
	Next() (uint64, error)
}

// Random draws tokens uniformly from [Min, Max).
type Random struct {
	src  io.Reader
	span *big.Int
}

// New returns a generator backed by the operating system's CSPRNG.
func New() *Random {
	return NewFromReader(rand.Reader)
}

// NewFromReader returns a generator reading entropy from src.
func NewFromReader(src io.Reader) *Random {
	return &Random{
		src:  src,
		span: new(big.Int).SetUint64(Max - Min),
	}
}

// Next returns a fresh token in [Min, Max).
func (g *Random) Next() (uint64, error) {
	n, err := rand.Int(g.src, g.span)
	if err != nil {
		return 0, fmt.Errorf("failed to draw token: %w", err)
	}
	return Min + n.Uint64(), nil
}

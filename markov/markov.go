// Package markov injects bit errors into a byte stream following a two state
// Markov chain (Gilbert-Elliott model). The server uses it on the file body
// only, so the client must catch the damage through the digest.
package markov

import (
	"fmt"
	"io"
	"math/rand"
)

type Writer struct {
	W io.Writer
	// P is the probability to go from the good to the bad state,
	// Q the probability to stay in the bad state.
	P float64
	Q float64

	lastCorrupted bool
	Corrupted     int
}

func NewWriter(w io.Writer, p float64, q float64) (*Writer, error) {
	if p > 1 || p < 0 || q > 1 || q < 0 {
		return nil, fmt.Errorf("p and/or q values for the markov chain are invalid")
	}
	return &Writer{W: w, P: p, Q: q}, nil
}

// Enabled reports whether the chain can ever corrupt anything.
func (mw *Writer) Enabled() bool {
	return mw.P > 0
}

func (mw *Writer) Write(p []byte) (n int, err error) {
	var corrupt bool
	if mw.lastCorrupted {
		corrupt = rand.Float64() < mw.Q
	} else {
		corrupt = rand.Float64() < mw.P
	}
	mw.lastCorrupted = corrupt

	if !corrupt || len(p) == 0 {
		return mw.W.Write(p)
	}

	// never touch the caller's buffer
	damaged := make([]byte, len(p))
	copy(damaged, p)
	bit := rand.Intn(len(damaged) * 8)
	damaged[bit/8] ^= 1 << (bit % 8)
	mw.Corrupted++
	return mw.W.Write(damaged)
}

package bot

import (
	"crypto/rand"
	"errors"
	"math/big"
)

var ErrNoMoves = errors.New("no legal moves")

// Random picks a uniformly random legal move.
type Random struct{}

func (Random) Choose(legal []string) (string, error) {
	if len(legal) == 0 {
		return "", ErrNoMoves
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(legal))))
	if err != nil {
		return "", err
	}
	return legal[n.Int64()], nil
}

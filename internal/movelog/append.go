package movelog

import (
	"fmt"

	"github.com/park285/cheese-arena/internal/game"
)

// checkAppend decides what appending m to a log of n moves means. dup is true when the identical move
// already sits at m.Seq, which makes a retried append a no-op.
func checkAppend(n int, existing func(seq int) (game.Move, bool), m game.Move) (dup bool, err error) {
	switch {
	case m.Seq == n+1:
		return false, nil
	case m.Seq >= 1 && m.Seq <= n:
		prev, ok := existing(m.Seq)
		if ok && prev.SameAs(m) {
			return true, nil
		}
		return false, fmt.Errorf("seq %d already taken: %w", m.Seq, game.ErrSeqConflict)
	default:
		return false, fmt.Errorf("seq %d after %d moves: %w", m.Seq, n, game.ErrSeqConflict)
	}
}

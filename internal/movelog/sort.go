package movelog

import (
	"sort"

	"github.com/park285/cheese-arena/internal/game"
)

// sortNewest orders by CreatedAt desc, falling back to id.
func sortNewest(items []*game.Game) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

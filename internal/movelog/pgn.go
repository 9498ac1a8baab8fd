package movelog

import (
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-arena/internal/game"
)

// PGN renders a finished or in-progress game for archival.
func PGN(g *game.Game, moves []game.Move) string {
	if g == nil {
		return ""
	}
	var b strings.Builder
	date := g.CreatedAt
	if g.FinishedAt != nil {
		date = *g.FinishedAt
	}
	if date.IsZero() {
		date = time.Now()
	}
	result := mapResultToPGN(g.Winner)
	b.WriteString("[Event \"Cheese Arena\"]\n")
	b.WriteString(fmt.Sprintf("[Site \"%s\"]\n", sanitizePGN(g.ID)))
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(orUnknown(g.WhiteID()))))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(orUnknown(g.BlackID()))))
	if g.TimeLimit != nil {
		b.WriteString(fmt.Sprintf("[TimeControl \"%d\"]\n", *g.TimeLimit))
	}
	if g.Termination != game.TerminationNone {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(string(g.Termination))))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", result))

	for i := 0; i < len(moves); i += 2 {
		b.WriteString(fmt.Sprintf("%d. %s", i/2+1, sanOf(moves[i])))
		if i+1 < len(moves) {
			b.WriteString(" ")
			b.WriteString(sanOf(moves[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}

func mapResultToPGN(w game.Winner) string {
	switch w {
	case game.WinnerWhite:
		return "1-0"
	case game.WinnerBlack:
		return "0-1"
	case game.WinnerDraw:
		return "1/2-1/2"
	default:
		return "*"
	}
}

func sanOf(m game.Move) string {
	if s := strings.TrimSpace(m.SAN); s != "" {
		return s
	}
	return strings.TrimSpace(m.UCI)
}

func orUnknown(s string) string {
	if s == "" {
		return "?"
	}
	return s
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}

package render

import (
	"bytes"
	"context"
	"image/png"
	"testing"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/cheese-arena/internal/oracle"
)

func TestPNGDimensions(t *testing.T) {
	pos, err := oracle.Fold([]string{"e2e4", "e7e5"})
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	data, err := New().PNG(context.Background(), pos, Options{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	w, h := Size()
	if b := img.Bounds(); b.Dx() != w || b.Dy() != h {
		t.Fatalf("unexpected size %dx%d", b.Dx(), b.Dy())
	}
}

func TestPNGRejectsMismatchedPosition(t *testing.T) {
	pos := oracle.Position{FEN: "8/8/8/8/8/8/8/8 w - - 0 1", Moves: []string{"e2e4"}}
	if _, err := New().PNG(context.Background(), pos, Options{}); err == nil {
		t.Fatalf("expected an error for a position that does not replay")
	}
}

func TestPNGCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().PNG(ctx, oracle.Initial(), Options{}); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestLastMove(t *testing.T) {
	from, to, ok := lastMove(oracle.Position{Moves: []string{"e2e4", "e7e8q"}})
	if !ok {
		t.Fatalf("expected a parsed move")
	}
	if from != nchess.NewSquare(nchess.FileE, nchess.Rank7) || to != nchess.NewSquare(nchess.FileE, nchess.Rank8) {
		t.Fatalf("unexpected squares %v %v", from, to)
	}
	if _, _, ok := lastMove(oracle.Initial()); ok {
		t.Fatalf("initial position has no last move")
	}
	if _, _, ok := lastMove(oracle.Position{Moves: []string{"z9a1"}}); ok {
		t.Fatalf("garbage should not parse")
	}
}

func TestBlackPerspectiveFlipsAxes(t *testing.T) {
	ranks, files := axes(oracle.Black)
	if ranks[0] != nchess.Rank1 || files[0] != nchess.FileH {
		t.Fatalf("expected rank 1 and file h first, got %v %v", ranks[0], files[0])
	}
}

func TestEveryPieceRasterises(t *testing.T) {
	for _, p := range []nchess.Piece{
		nchess.WhiteKing, nchess.WhiteQueen, nchess.WhiteRook, nchess.WhiteBishop, nchess.WhiteKnight, nchess.WhitePawn,
		nchess.BlackKing, nchess.BlackQueen, nchess.BlackRook, nchess.BlackBishop, nchess.BlackKnight, nchess.BlackPawn,
	} {
		img, err := pieceImage(p, 32)
		if err != nil {
			t.Fatalf("%v: %v", p, err)
		}
		if img.Bounds().Dx() != 32 {
			t.Fatalf("%v: unexpected size", p)
		}
	}
}

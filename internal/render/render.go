package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	imagedraw "image/draw"
	"image/png"
	"strings"

	nchess "github.com/corentings/chess/v2"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/park285/cheese-arena/internal/oracle"
)

const (
	squareSize   = 72
	boardSquares = 8
	boardSize    = squareSize * boardSquares
	margin       = 24
)

var (
	lightSquare     = color.RGBA{233, 207, 163, 255}
	darkSquare      = color.RGBA{187, 136, 96, 255}
	backgroundColor = color.RGBA{28, 31, 46, 255}
	lastMoveFill    = color.NRGBA{R: 255, G: 228, B: 120, A: 140}
	coordinateColor = color.NRGBA{R: 204, G: 210, B: 236, A: 255}
)

// Options control how a position is drawn.
type Options struct {
	// Perspective is the side shown at the bottom. Defaults to white.
	Perspective oracle.Color
	// NoHighlight suppresses the last-move overlay.
	NoHighlight bool
}

// Renderer draws positions as PNG images.
type Renderer struct{}

func New() *Renderer { return &Renderer{} }

// Size returns the pixel dimensions of every rendered image.
func Size() (int, int) {
	return boardSize + margin*2, boardSize + margin*2
}

// PNG rasterises pos and encodes it. The last move of pos.Moves is highlighted.
func (r *Renderer) PNG(ctx context.Context, pos oracle.Position, opts Options) ([]byte, error) {
	board, err := oracle.Board(pos)
	if err != nil {
		return nil, fmt.Errorf("rebuild board: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	w, h := Size()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	imagedraw.Draw(img, img.Bounds(), image.NewUniform(backgroundColor), image.Point{}, imagedraw.Src)

	origin := image.Point{X: margin, Y: margin}
	ranks, files := axes(opts.Perspective)

	drawSquares(img, ranks, files, origin)
	if !opts.NoHighlight {
		if from, to, ok := lastMove(pos); ok {
			drawSquareOverlay(img, ranks, files, from, origin)
			drawSquareOverlay(img, ranks, files, to, origin)
		}
	}
	if err := drawPieces(img, board, ranks, files, origin); err != nil {
		return nil, err
	}
	drawCoordinates(img, ranks, files, origin)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func axes(perspective oracle.Color) ([]nchess.Rank, []nchess.File) {
	ranks := []nchess.Rank{nchess.Rank8, nchess.Rank7, nchess.Rank6, nchess.Rank5, nchess.Rank4, nchess.Rank3, nchess.Rank2, nchess.Rank1}
	files := []nchess.File{nchess.FileA, nchess.FileB, nchess.FileC, nchess.FileD, nchess.FileE, nchess.FileF, nchess.FileG, nchess.FileH}
	if perspective == oracle.Black {
		for i, j := 0, len(ranks)-1; i < j; i, j = i+1, j-1 {
			ranks[i], ranks[j] = ranks[j], ranks[i]
			files[i], files[j] = files[j], files[i]
		}
	}
	return ranks, files
}

func drawSquares(dst imagedraw.Image, ranks []nchess.Rank, files []nchess.File, origin image.Point) {
	for row, rank := range ranks {
		for col, file := range files {
			sq := nchess.NewSquare(file, rank)
			imagedraw.Draw(dst, cell(row, col, origin), image.NewUniform(squareColor(sq)), image.Point{}, imagedraw.Src)
		}
	}
}

func drawPieces(dst imagedraw.Image, board *nchess.Board, ranks []nchess.Rank, files []nchess.File, origin image.Point) error {
	boardMap := board.SquareMap()
	for row, rank := range ranks {
		for col, file := range files {
			piece := boardMap[nchess.NewSquare(file, rank)]
			if piece == nchess.NoPiece {
				continue
			}
			img, err := pieceImage(piece, squareSize)
			if err != nil {
				return err
			}
			imagedraw.Draw(dst, cell(row, col, origin), img, image.Point{}, imagedraw.Over)
		}
	}
	return nil
}

func drawSquareOverlay(dst imagedraw.Image, ranks []nchess.Rank, files []nchess.File, sq nchess.Square, origin image.Point) {
	row, col := -1, -1
	for i, rank := range ranks {
		if rank == sq.Rank() {
			row = i
		}
	}
	for i, file := range files {
		if file == sq.File() {
			col = i
		}
	}
	if row < 0 || col < 0 {
		return
	}
	imagedraw.Draw(dst, cell(row, col, origin), image.NewUniform(lastMoveFill), image.Point{}, imagedraw.Over)
}

func drawCoordinates(dst imagedraw.Image, ranks []nchess.Rank, files []nchess.File, origin image.Point) {
	face := basicfont.Face7x13
	drawer := &font.Drawer{Dst: dst, Src: image.NewUniform(coordinateColor), Face: face}
	ascent := face.Metrics().Ascent.Ceil()

	for row, rank := range ranks {
		baseline := origin.Y + row*squareSize + squareSize/2 + ascent/2
		drawCenteredText(drawer, rank.String(), origin.X-margin/2, baseline)
	}
	for col, file := range files {
		center := origin.X + col*squareSize + squareSize/2
		drawCenteredText(drawer, file.String(), center, origin.Y+boardSize+margin/2+ascent/2)
	}
}

func drawCenteredText(drawer *font.Drawer, text string, centerX, baseline int) {
	if text == "" {
		return
	}
	width := drawer.MeasureString(text).Round()
	drawer.Dot = fixed.P(centerX-width/2, baseline)
	drawer.DrawString(text)
}

func cell(row, col int, origin image.Point) image.Rectangle {
	x := origin.X + col*squareSize
	y := origin.Y + row*squareSize
	return image.Rect(x, y, x+squareSize, y+squareSize)
}

func squareColor(sq nchess.Square) color.Color {
	if (int(sq.File())+int(sq.Rank()))%2 == 0 {
		return darkSquare
	}
	return lightSquare
}

// lastMove parses the from/to squares of the final UCI move.
func lastMove(pos oracle.Position) (nchess.Square, nchess.Square, bool) {
	if len(pos.Moves) == 0 {
		return 0, 0, false
	}
	uci := strings.ToLower(strings.TrimSpace(pos.Moves[len(pos.Moves)-1]))
	if len(uci) < 4 {
		return 0, 0, false
	}
	from, ok := parseSquare(uci[0:2])
	if !ok {
		return 0, 0, false
	}
	to, ok := parseSquare(uci[2:4])
	if !ok {
		return 0, 0, false
	}
	return from, to, true
}

func parseSquare(s string) (nchess.Square, bool) {
	if len(s) != 2 || s[0] < 'a' || s[0] > 'h' || s[1] < '1' || s[1] > '8' {
		return 0, false
	}
	return nchess.NewSquare(nchess.File(s[0]-'a'), nchess.Rank(s[1]-'1')), true
}

package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"sync"

	nchess "github.com/corentings/chess/v2"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

// Silhouettes on a 45x45 canvas. %[1]s is the body fill, %[2]s the outline.
var pieceShapes = map[nchess.PieceType]string{
	nchess.Pawn: `<circle cx="22.5" cy="14" r="5" fill="%[1]s" stroke="%[2]s" stroke-width="1.5"/>` +
		`<path d="M17 36 L28 36 L26 21 L19 21 Z" fill="%[1]s" stroke="%[2]s" stroke-width="1.5"/>` +
		`<rect x="12" y="35" width="21" height="4" fill="%[1]s" stroke="%[2]s" stroke-width="1.5"/>`,
	nchess.Rook: `<path d="M12 10 L16 10 L16 13 L20 13 L20 10 L25 10 L25 13 L29 13 L29 10 L33 10 L33 16 L29 18 L29 32 L16 32 L16 18 L12 16 Z" fill="%[1]s" stroke="%[2]s" stroke-width="1.5"/>` +
		`<rect x="10" y="32" width="25" height="6" fill="%[1]s" stroke="%[2]s" stroke-width="1.5"/>`,
	nchess.Knight: `<path d="M14 38 L32 38 L31 20 C30 12 24 8 18 9 L16 6 L14 10 C10 13 9 18 9 22 L13 24 L17 21 L19 23 L14 31 Z" fill="%[1]s" stroke="%[2]s" stroke-width="1.5"/>` +
		`<circle cx="16" cy="14" r="1.2" fill="%[2]s"/>`,
	nchess.Bishop: `<circle cx="22.5" cy="8.5" r="2.5" fill="%[1]s" stroke="%[2]s" stroke-width="1.5"/>` +
		`<path d="M22.5 11 C16 16 14 22 17 28 L28 28 C31 22 29 16 22.5 11 Z" fill="%[1]s" stroke="%[2]s" stroke-width="1.5"/>` +
		`<rect x="12" y="33" width="21" height="5" fill="%[1]s" stroke="%[2]s" stroke-width="1.5"/>` +
		`<path d="M17 28 L28 28 L29 33 L16 33 Z" fill="%[1]s" stroke="%[2]s" stroke-width="1.5"/>`,
	nchess.Queen: `<path d="M9 14 L14 30 L31 30 L36 14 L29 24 L26 11 L22.5 24 L19 11 L16 24 Z" fill="%[1]s" stroke="%[2]s" stroke-width="1.5"/>` +
		`<circle cx="9" cy="12" r="2" fill="%[1]s" stroke="%[2]s" stroke-width="1.5"/>` +
		`<circle cx="19" cy="9" r="2" fill="%[1]s" stroke="%[2]s" stroke-width="1.5"/>` +
		`<circle cx="26" cy="9" r="2" fill="%[1]s" stroke="%[2]s" stroke-width="1.5"/>` +
		`<circle cx="36" cy="12" r="2" fill="%[1]s" stroke="%[2]s" stroke-width="1.5"/>` +
		`<rect x="12" y="30" width="21" height="7" fill="%[1]s" stroke="%[2]s" stroke-width="1.5"/>`,
	nchess.King: `<path d="M21 4 L24 4 L24 7 L27 7 L27 10 L24 10 L24 13 L21 13 L21 10 L18 10 L18 7 L21 7 Z" fill="%[1]s" stroke="%[2]s" stroke-width="1.2"/>` +
		`<path d="M22.5 15 C14 12 7 18 11 26 L13 31 L32 31 L34 26 C38 18 31 12 22.5 15 Z" fill="%[1]s" stroke="%[2]s" stroke-width="1.5"/>` +
		`<rect x="12" y="31" width="21" height="6" fill="%[1]s" stroke="%[2]s" stroke-width="1.5"/>`,
}

type pieceCacheKey struct {
	piece nchess.Piece
	size  int
}

var (
	pieceCache   = map[pieceCacheKey]image.Image{}
	pieceCacheMu sync.RWMutex
)

func pieceSVG(piece nchess.Piece) (string, error) {
	shape, ok := pieceShapes[piece.Type()]
	if !ok {
		return "", fmt.Errorf("no shape for piece %v", piece)
	}
	fill, outline := "#ffffff", "#000000"
	if piece.Color() == nchess.Black {
		fill, outline = "#202020", "#000000"
	}
	var b strings.Builder
	b.WriteString(`<svg xmlns="http://www.w3.org/2000/svg" width="45" height="45" viewBox="0 0 45 45">`)
	fmt.Fprintf(&b, shape, fill, outline)
	b.WriteString(`</svg>`)
	return b.String(), nil
}

func pieceImage(piece nchess.Piece, size int) (image.Image, error) {
	key := pieceCacheKey{piece: piece, size: size}

	pieceCacheMu.RLock()
	if img, ok := pieceCache[key]; ok {
		pieceCacheMu.RUnlock()
		return img, nil
	}
	pieceCacheMu.RUnlock()

	src, err := pieceSVG(piece)
	if err != nil {
		return nil, err
	}
	icon, err := oksvg.ReadIconStream(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse piece svg: %w", err)
	}
	icon.SetTarget(0, 0, float64(size), float64(size))

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Transparent), image.Point{}, draw.Src)

	scanner := rasterx.NewScannerGV(size, size, img, img.Bounds())
	raster := rasterx.NewDasher(size, size, scanner)
	icon.Draw(raster, 1.0)

	pieceCacheMu.Lock()
	pieceCache[key] = img
	pieceCacheMu.Unlock()

	return img, nil
}

package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/flipbg/service/internal/metrics"
)

// Mirror flips an encoded image left-to-right and re-encodes it as PNG.
// Dimensions, the alpha channel and 16-bit depth are preserved.
func Mirror(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, &Error{Reason: "empty image payload"}
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Reason: "undecodable image payload", Err: err}
	}

	flipped := flipH(src)

	var out bytes.Buffer
	if err := imaging.Encode(&out, flipped, imaging.PNG); err != nil {
		return nil, &Error{Reason: "encode mirrored image", Err: err}
	}
	return out.Bytes(), nil
}

// flipH mirrors 16-bit images in their own pixel format. imaging.FlipH
// returns 8-bit NRGBA, which is fine for everything else.
func flipH(src image.Image) image.Image {
	b := src.Bounds()
	switch s := src.(type) {
	case *image.NRGBA64:
		dst := image.NewNRGBA64(image.Rect(0, 0, b.Dx(), b.Dy()))
		flipRows(dst.Pix, dst.Stride, s.Pix, s.Stride, s.PixOffset(b.Min.X, b.Min.Y), b.Dx(), b.Dy(), 8)
		return dst
	case *image.RGBA64:
		dst := image.NewRGBA64(image.Rect(0, 0, b.Dx(), b.Dy()))
		flipRows(dst.Pix, dst.Stride, s.Pix, s.Stride, s.PixOffset(b.Min.X, b.Min.Y), b.Dx(), b.Dy(), 8)
		return dst
	case *image.Gray16:
		dst := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
		flipRows(dst.Pix, dst.Stride, s.Pix, s.Stride, s.PixOffset(b.Min.X, b.Min.Y), b.Dx(), b.Dy(), 2)
		return dst
	}
	return imaging.FlipH(src)
}

// flipRows copies w*h pixels of bpp bytes from src, starting at offset,
// into dst with each row reversed.
func flipRows(dst []byte, dstStride int, src []byte, srcStride, offset, w, h, bpp int) {
	for y := 0; y < h; y++ {
		si := offset + y*srcStride
		di := y * dstStride
		for x := 0; x < w; x++ {
			d := di + (w-1-x)*bpp
			copy(dst[d:d+bpp], src[si+x*bpp:si+(x+1)*bpp])
		}
	}
}

// Remover removes an image background.
type Remover interface {
	RemoveBackground(ctx context.Context, req Request) (*Result, error)
}

// Pipeline is the full transform: background removal then mirror. It keeps no
// state between calls.
type Pipeline struct {
	remover Remover
	size    string
}

// NewPipeline creates a Pipeline requesting results at the given size.
func NewPipeline(remover Remover, size string) *Pipeline {
	return &Pipeline{remover: remover, size: size}
}

// Transform removes the background of data and mirrors the result.
func (p *Pipeline) Transform(ctx context.Context, data []byte) ([]byte, error) {
	start := time.Now()
	out, err := p.transform(ctx, data)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordTransform(status, time.Since(start).Seconds())
	return out, err
}

func (p *Pipeline) transform(ctx context.Context, data []byte) ([]byte, error) {
	res, err := p.remover.RemoveBackground(ctx, Request{
		ImageFile: data,
		Filename:  "image.png",
		Size:      p.size,
	})
	if err != nil {
		return nil, err
	}
	if res == nil || len(res.Image) == 0 {
		return nil, &Error{Reason: "empty response payload"}
	}
	mirrored, err := Mirror(res.Image)
	if err != nil {
		return nil, fmt.Errorf("mirror result: %w", err)
	}
	return mirrored, nil
}

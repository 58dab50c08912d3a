package transform

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gradient returns a w*h NRGBA image whose pixels are unique per column and
// carry a varying alpha.
func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 10), G: uint8(y * 10), B: 7, A: uint8(40 + x*20)})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestMirrorFlipsHorizontallyAndKeepsAlpha(t *testing.T) {
	src := gradient(5, 3)

	out, err := Mirror(encodePNG(t, src))
	require.NoError(t, err)

	decoded, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	require.Equal(t, src.Bounds(), decoded.Bounds())

	got, ok := decoded.(*image.NRGBA)
	require.True(t, ok, "mirrored output keeps a non-premultiplied alpha channel, got %T", decoded)
	for y := 0; y < 3; y++ {
		for x := 0; x < 5; x++ {
			assert.Equal(t, src.NRGBAAt(4-x, y), got.NRGBAAt(x, y), "pixel %d,%d", x, y)
		}
	}
}

func TestMirrorKeeps16BitDepth(t *testing.T) {
	src := image.NewNRGBA64(image.Rect(0, 0, 4, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			src.SetNRGBA64(x, y, color.NRGBA64{R: uint16(x*1000 + 1), G: uint16(y*3000 + 7), B: 0xabcd, A: uint16(0x8001 + x)})
		}
	}

	out, err := Mirror(encodePNG(t, src))
	require.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	got, ok := decoded.(*image.NRGBA64)
	require.True(t, ok, "16-bit input stays 16-bit, got %T", decoded)
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			assert.Equal(t, src.NRGBA64At(3-x, y), got.NRGBA64At(x, y), "pixel %d,%d", x, y)
		}
	}
}

func TestMirrorFlipsGray16SubImage(t *testing.T) {
	full := image.NewGray16(image.Rect(0, 0, 6, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 6; x++ {
			full.SetGray16(x, y, color.Gray16{Y: uint16(x*10000 + y)})
		}
	}
	sub := full.SubImage(image.Rect(1, 1, 4, 3)).(*image.Gray16)

	got, ok := flipH(sub).(*image.Gray16)
	require.True(t, ok)
	require.Equal(t, image.Rect(0, 0, 3, 2), got.Bounds())
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			assert.Equal(t, sub.Gray16At(1+2-x, 1+y), got.Gray16At(x, y), "pixel %d,%d", x, y)
		}
	}
}

func TestMirrorAcceptsJPEG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 4)), nil))

	out, err := Mirror(buf.Bytes())
	require.NoError(t, err)
	cfg, err := png.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Width)
	assert.Equal(t, 4, cfg.Height)
}

func TestMirrorRejectsGarbage(t *testing.T) {
	_, err := Mirror([]byte("definitely not an image"))
	var te *Error
	require.ErrorAs(t, err, &te)

	_, err = Mirror(nil)
	assert.True(t, IsTransformError(err))
}

func newRemoveBGServer(t *testing.T, handler http.HandlerFunc) *RemoveBGClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRemoveBGClient("key-123", srv.URL, 5*time.Second, zerolog.Nop())
}

func TestRemoveBackgroundSendsTypedForm(t *testing.T) {
	result := encodePNG(t, gradient(2, 2))
	client := newRemoveBGServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key-123", r.Header.Get("X-Api-Key"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "auto", r.FormValue("size"))
		assert.Equal(t, "person", r.FormValue("type"))
		assert.Empty(t, r.FormValue("format"))
		assert.Equal(t, "true", r.FormValue("crop"))

		f, hdr, err := r.FormFile("image_file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		assert.Equal(t, "image.png", hdr.Filename)
		body, _ := io.ReadAll(f)
		assert.Equal(t, []byte("input-bytes"), body)

		w.Header().Set("X-Width", "2")
		w.Header().Set("X-Height", "2")
		w.Header().Set("X-Credits-Charged", "1")
		_, _ = w.Write(result)
	})

	res, err := client.RemoveBackground(context.Background(), Request{
		ImageFile: []byte("input-bytes"),
		Size:      "auto",
		Type:      "person",
		Crop:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, result, res.Image)
	assert.Equal(t, 2, res.Width)
	assert.Equal(t, 2, res.Height)
	assert.Equal(t, 1.0, res.CreditsCharged)
}

func TestRemoveBackgroundFailures(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		client := NewRemoveBGClient("", "http://127.0.0.1:1", time.Second, zerolog.Nop())
		_, err := client.RemoveBackground(context.Background(), Request{ImageFile: []byte("x")})
		var te *Error
		require.ErrorAs(t, err, &te)
		assert.Contains(t, te.Reason, "REMOVE_BG_API_KEY")
	})

	t.Run("non-success with api error title", func(t *testing.T) {
		client := newRemoveBGServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"errors":[{"title":"Insufficient credits","code":"insufficient_credits"}]}`))
		})
		_, err := client.RemoveBackground(context.Background(), Request{ImageFile: []byte("x")})
		var te *Error
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "Insufficient credits", te.Reason)
		assert.Equal(t, http.StatusPaymentRequired, te.StatusCode)
	})

	t.Run("non-success without body", func(t *testing.T) {
		client := newRemoveBGServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		_, err := client.RemoveBackground(context.Background(), Request{ImageFile: []byte("x")})
		var te *Error
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "Background removal failed", te.Reason)
	})

	t.Run("unreachable service", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		client := NewRemoveBGClient("key-123", srv.URL, time.Second, zerolog.Nop())
		_, err := client.RemoveBackground(context.Background(), Request{ImageFile: []byte("x")})
		var te *Error
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "call background removal service", te.Reason)
		assert.Zero(t, te.StatusCode)
	})

	t.Run("empty payload", func(t *testing.T) {
		client := newRemoveBGServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		_, err := client.RemoveBackground(context.Background(), Request{ImageFile: []byte("x")})
		assert.True(t, IsTransformError(err))
	})
}

type stubRemover struct {
	res   *Result
	err   error
	calls int
}

func (s *stubRemover) RemoveBackground(context.Context, Request) (*Result, error) {
	s.calls++
	return s.res, s.err
}

func TestPipelineTransform(t *testing.T) {
	src := gradient(3, 1)
	remover := &stubRemover{res: &Result{Image: encodePNG(t, src)}}

	out, err := NewPipeline(remover, "auto").Transform(context.Background(), []byte("in"))
	require.NoError(t, err)
	assert.Equal(t, 1, remover.calls)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, src.NRGBAAt(2, 0), img.(*image.NRGBA).NRGBAAt(0, 0))
}

func TestPipelineUndecodableResult(t *testing.T) {
	remover := &stubRemover{res: &Result{Image: []byte("<html>oops</html>")}}
	_, err := NewPipeline(remover, "auto").Transform(context.Background(), []byte("in"))
	assert.True(t, IsTransformError(err))
}

func TestPipelinePropagatesRemoverError(t *testing.T) {
	remover := &stubRemover{err: &Error{Reason: "boom", StatusCode: 500}}
	_, err := NewPipeline(remover, "auto").Transform(context.Background(), []byte("in"))
	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "boom", te.Reason)
}

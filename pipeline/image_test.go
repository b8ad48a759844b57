// image_test.go - Unit Tests fuer die Bildkonvertierung der Pipeline
package pipeline

import (
	"image"
	"image/color"
	"testing"

	"github.com/Sygil-Dev/diffusers/precision"
)

func gradientImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8((x*37 + y*11) % 256),
				G: uint8((x*101 + y*3) % 256),
				B: uint8((x*7 + y*59) % 256),
				A: 255,
			})
		}
	}
	return img
}

func TestEncodeDecodeImageRoundTrip(t *testing.T) {
	for _, mode := range []precision.LayoutMode{precision.LayoutDefault, precision.LayoutChannelsLast} {
		t.Run(string(mode), func(t *testing.T) {
			p := mustPipeline(t, WithLayout(mode))
			ctx := p.NewContext()
			t.Cleanup(ctx.Close)

			src := gradientImage(4, 3)
			enc := p.EncodeImage(ctx, src)

			dec, err := p.DecodeImage(enc)
			if err != nil {
				t.Fatalf("DecodeImage fehlgeschlagen: %v", err)
			}

			for y := 0; y < 3; y++ {
				for x := 0; x < 4; x++ {
					want := src.RGBAAt(x, y)
					r, g, b, _ := dec.At(x, y).RGBA()
					if uint8(r>>8) != want.R || uint8(g>>8) != want.G || uint8(b>>8) != want.B {
						t.Fatalf("Pixel (%d,%d) weicht ab", x, y)
					}
				}
			}
		})
	}
}

func TestDecodeImageRejectsWrongLayout(t *testing.T) {
	p := mustPipeline(t)
	ctx := p.NewContext()
	t.Cleanup(ctx.Close)

	// [1, H, W, 3] ist unter dem Standard-Layout keine Bildform
	bad := ctx.FromFloats(make([]float32, 2*2*3), 1, 2, 2, 3)
	if _, err := p.DecodeImage(bad); err == nil {
		t.Error("DecodeImage muss die falsche Kanalachse ablehnen")
	}
}

func TestPreviewImageDownscales(t *testing.T) {
	p := mustPipeline(t)
	ctx := p.NewContext()
	t.Cleanup(ctx.Close)

	enc := p.EncodeImage(ctx, gradientImage(16, 8))

	preview, err := p.PreviewImage(enc, 4)
	if err != nil {
		t.Fatalf("PreviewImage fehlgeschlagen: %v", err)
	}

	bounds := preview.Bounds()
	if bounds.Dx() != 4 || bounds.Dy() != 2 {
		t.Errorf("Vorschau = %dx%d, erwartet 4x2", bounds.Dx(), bounds.Dy())
	}
}

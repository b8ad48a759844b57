// imaging.go - Konvertierung zwischen Bildern und Tensoren
//
// Dieses Modul enthaelt:
// - ToTensor fuer die Bild-nach-Tensor Konvertierung in beide Layouts
// - FromTensor fuer die Rueckrichtung nach der Dekodierung
// - Wertebereich [-1, 1] wie im Diffusions-Pfad ueblich

package imaging

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/Sygil-Dev/diffusers/ml"
)

var ErrBadShape = errors.New("tensor is not an image")

// ToTensor converts an image to a float tensor with values in [-1, 1].
// The contiguous layout yields shape [1, 3, H, W], channels-last yields
// [1, H, W, 3] with the three channel values of a pixel adjacent.
func ToTensor(ctx ml.Context, img image.Image, layout ml.Layout) ml.Tensor {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	data := make([]float32, 3*h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()

			// RGBA liefert 16 Bit pro Kanal
			px := [3]float32{
				float32(r>>8)/127.5 - 1.0,
				float32(g>>8)/127.5 - 1.0,
				float32(b>>8)/127.5 - 1.0,
			}

			for c, v := range px {
				if layout == ml.LayoutChannelsLast {
					data[(y*w+x)*3+c] = v
				} else {
					data[c*h*w+y*w+x] = v
				}
			}
		}
	}

	if layout == ml.LayoutChannelsLast {
		return ctx.FromFloats(data, 1, h, w, 3)
	}
	return ctx.FromFloats(data, 1, 3, h, w)
}

// FromTensor converts a decoded image tensor with values in [-1, 1] back
// into an image. The tensor must carry a single image with three channels
// in the given layout.
func FromTensor(t ml.Tensor, layout ml.Layout) (image.Image, error) {
	shape := t.Shape()
	if len(shape) != 4 || shape[0] != 1 {
		return nil, fmt.Errorf("imaging: %w: shape %v", ErrBadShape, shape)
	}

	var h, w int
	if layout == ml.LayoutChannelsLast {
		h, w = shape[1], shape[2]
		if shape[3] != 3 {
			return nil, fmt.Errorf("imaging: %w: %d channels in shape %v", ErrBadShape, shape[3], shape)
		}
	} else {
		h, w = shape[2], shape[3]
		if shape[1] != 3 {
			return nil, fmt.Errorf("imaging: %w: %d channels in shape %v", ErrBadShape, shape[1], shape)
		}
	}

	vals := t.Floats()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var px [3]float32
			for c := range px {
				if layout == ml.LayoutChannelsLast {
					px[c] = vals[(y*w+x)*3+c]
				} else {
					px[c] = vals[c*h*w+y*w+x]
				}
			}

			i := img.PixOffset(x, y)
			img.Pix[i+0] = denormalize(px[0])
			img.Pix[i+1] = denormalize(px[1])
			img.Pix[i+2] = denormalize(px[2])
			img.Pix[i+3] = 0xff
		}
	}

	return img, nil
}

func denormalize(v float32) uint8 {
	p := math.Round(float64(v+1.0) * 127.5)
	if p < 0 {
		p = 0
	}
	if p > 255 {
		p = 255
	}
	return uint8(p)
}

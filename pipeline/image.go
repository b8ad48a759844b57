// image.go - Bildkonvertierung im aktiven Layout
//
// Dieses Modul enthaelt:
// - EncodeImage fuer die Bild-nach-Tensor Richtung
// - DecodeImage und PreviewImage fuer dekodierte Bild-Tensoren

package pipeline

import (
	"image"

	"github.com/Sygil-Dev/diffusers/imaging"
	"github.com/Sygil-Dev/diffusers/ml"
)

// EncodeImage converts an image into a tensor on ctx with values in
// [-1, 1], arranged per the active layout mode.
func (p *Pipeline) EncodeImage(ctx ml.Context, img image.Image) ml.Tensor {
	return imaging.ToTensor(ctx, img, p.Layout())
}

// DecodeImage converts a decoded image tensor back into an image. The
// tensor must carry a single three-channel image in the active layout.
func (p *Pipeline) DecodeImage(t ml.Tensor) (image.Image, error) {
	return imaging.FromTensor(t, p.Layout())
}

// PreviewImage converts a decoded image tensor into a downscaled preview
// whose longer edge is at most maxEdge.
func (p *Pipeline) PreviewImage(t ml.Tensor, maxEdge int) (image.Image, error) {
	return imaging.Preview(t, p.Layout(), maxEdge)
}

// preview.go - Vorschaubilder aus dekodierten Tensoren
//
// Dieses Modul enthaelt:
// - Fit fuer Resize auf ein Pixel-Limit und Vielfache der Gittergroesse
// - Preview fuer verkleinerte Vorschauen aus Bild-Tensoren
// - WritePNG/SavePNG fuer die Ausgabe

package imaging

import (
	"image"
	"image/png"
	"io"
	"math"
	"os"

	"golang.org/x/image/draw"

	"github.com/Sygil-Dev/diffusers/ml"
)

// Fit resizes an image so that both edges are multiples of the grid size
// and the pixel count stays under limitPixels. A limit of zero keeps the
// original size, only snapping to the grid. Returns the resized image and
// its dimensions.
func Fit(img image.Image, limitPixels, grid int) (image.Image, int, int) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	if limitPixels > 0 && w*h > limitPixels {
		scale := math.Sqrt(float64(limitPixels) / float64(w*h))
		w = int(float64(w) * scale)
		h = int(float64(h) * scale)
	}

	if grid > 1 {
		w = (w / grid) * grid
		h = (h / grid) * grid
		if w < grid {
			w = grid
		}
		if h < grid {
			h = grid
		}
	}

	if w == bounds.Dx() && h == bounds.Dy() {
		return img, w, h
	}

	resized := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Over, nil)

	return resized, w, h
}

// Preview converts a decoded image tensor into a downscaled preview whose
// longer edge is at most maxEdge. A maxEdge of zero returns the full-size
// image.
func Preview(t ml.Tensor, layout ml.Layout, maxEdge int) (image.Image, error) {
	img, err := FromTensor(t, layout)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if maxEdge <= 0 || (w <= maxEdge && h <= maxEdge) {
		return img, nil
	}

	scale := float64(maxEdge) / float64(max(w, h))
	pw := max(int(float64(w)*scale), 1)
	ph := max(int(float64(h)*scale), 1)

	resized := image.NewRGBA(image.Rect(0, 0, pw, ph))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Over, nil)

	return resized, nil
}

// WritePNG encodes the image as PNG.
func WritePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}

// SavePNG writes the image as PNG to path.
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return png.Encode(f, img)
}

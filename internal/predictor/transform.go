package predictor

import (
	"image"

	"github.com/disintegration/imaging"

	"github.com/ekisa-team/detserve/internal/detection"
)

// ShortestEdgeSize returns the output size of a shortest-edge resize: the
// short side becomes short, unless the long side would then exceed maxSize.
// A zero short disables resizing, a zero maxSize disables the cap.
func ShortestEdgeSize(h, w, short, maxSize int) (int, int) {
	if short <= 0 || h <= 0 || w <= 0 {
		return h, w
	}

	size := float64(short)
	fh, fw := float64(h), float64(w)
	scale := size / min(fh, fw)

	var newH, newW float64
	if h < w {
		newH, newW = size, scale*fw
	} else {
		newH, newW = scale*fh, size
	}

	if long := max(newH, newW); maxSize > 0 && long > float64(maxSize) {
		scale = float64(maxSize) / long
		newH *= scale
		newW *= scale
	}

	return int(newH + 0.5), int(newW + 0.5)
}

// ResizeShortestEdge resizes img with bilinear interpolation.
func ResizeShortestEdge(img *image.NRGBA, short, maxSize int) *image.NRGBA {
	b := img.Bounds()
	h, w := ShortestEdgeSize(b.Dy(), b.Dx(), short, maxSize)
	if h == b.Dy() && w == b.Dx() {
		return img
	}
	return imaging.Resize(img, w, h, imaging.Linear)
}

// rescaleBoxes maps boxes from the network input size back to the original
// image and clips them to its bounds.
func rescaleBoxes(raw []float32, inH, inW, outH, outW int) []detection.Box {
	sx := float32(outW) / float32(inW)
	sy := float32(outH) / float32(inH)

	boxes := make([]detection.Box, len(raw)/4)
	for i := range boxes {
		b := raw[i*4 : i*4+4]
		boxes[i] = detection.Box{
			clip(b[0]*sx, float32(outW)),
			clip(b[1]*sy, float32(outH)),
			clip(b[2]*sx, float32(outW)),
			clip(b[3]*sy, float32(outH)),
		}
	}
	return boxes
}

func clip(v, limit float32) float32 {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}

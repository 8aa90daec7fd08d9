// Package detection defines the prediction structure returned by the
// predictor and carried by the response encoders.
package detection

import (
	"image"
	"time"
)

// Box is an axis-aligned box in absolute pixel coordinates (x1, y1, x2, y2).
type Box [4]float32

// Rect rounds the box to an integer rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(int(b[0]+0.5), int(b[1]+0.5), int(b[2]+0.5), int(b[3]+0.5))
}

// Area returns the box area, zero for degenerate boxes.
func (b Box) Area() float32 {
	w, h := b[2]-b[0], b[3]-b[1]
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Instances are the per-image detections, index-aligned across fields.
type Instances struct {
	ImageHeight int       `json:"image_height"`
	ImageWidth  int       `json:"image_width"`
	Boxes       []Box     `json:"pred_boxes"`
	Scores      []float32 `json:"scores"`
	Classes     []int     `json:"pred_classes"`
	Labels      []string  `json:"pred_labels,omitempty"`
}

// Len returns the number of detections.
func (in *Instances) Len() int {
	return len(in.Scores)
}

// Filter keeps the detections whose score is at least threshold.
func (in *Instances) Filter(threshold float32) *Instances {
	out := &Instances{
		ImageHeight: in.ImageHeight,
		ImageWidth:  in.ImageWidth,
	}
	for i, s := range in.Scores {
		if s < threshold {
			continue
		}
		out.Boxes = append(out.Boxes, in.Boxes[i])
		out.Scores = append(out.Scores, s)
		out.Classes = append(out.Classes, in.Classes[i])
		if i < len(in.Labels) {
			out.Labels = append(out.Labels, in.Labels[i])
		}
	}
	return out
}

// Prediction is the result of one predictor call.
type Prediction struct {
	Instances *Instances    `json:"instances"`
	Model     string        `json:"model,omitempty"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
}

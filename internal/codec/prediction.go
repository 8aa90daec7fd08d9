package codec

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ekisa-team/detserve/internal/detection"
)

// Encode serializes pred for the given Accept header and returns the body
// together with its content type.
func Encode(pred *detection.Prediction, accept string) ([]byte, string, error) {
	contentType, err := NegotiateAccept(accept)
	if err != nil {
		return nil, "", err
	}

	st, err := ToStruct(pred)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrEncode, err)
	}

	var out []byte
	switch contentType {
	case ContentTypeJSON:
		out, err = protojson.Marshal(st)
	default:
		out, err = proto.Marshal(st)
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrEncode, err)
	}

	return out, contentType, nil
}

// DecodePrediction reverses Encode.
func DecodePrediction(data []byte, contentType string) (*detection.Prediction, error) {
	st := &structpb.Struct{}

	var err error
	switch contentType {
	case ContentTypeJSON:
		err = protojson.Unmarshal(data, st)
	case ContentTypeProtobuf, ContentTypeOctet, "":
		err = proto.Unmarshal(data, st)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	return FromStruct(st)
}

// ToStruct converts pred into a generic protobuf Struct.
func ToStruct(pred *detection.Prediction) (*structpb.Struct, error) {
	if pred == nil || pred.Instances == nil {
		return nil, fmt.Errorf("prediction has no instances")
	}

	in := pred.Instances
	boxes := make([]any, len(in.Boxes))
	for i, b := range in.Boxes {
		boxes[i] = []any{float64(b[0]), float64(b[1]), float64(b[2]), float64(b[3])}
	}
	scores := make([]any, len(in.Scores))
	for i, s := range in.Scores {
		scores[i] = float64(s)
	}
	classes := make([]any, len(in.Classes))
	for i, c := range in.Classes {
		classes[i] = float64(c)
	}
	labels := make([]any, len(in.Labels))
	for i, l := range in.Labels {
		labels[i] = l
	}

	return structpb.NewStruct(map[string]any{
		"instances": map[string]any{
			"image_size":   []any{float64(in.ImageHeight), float64(in.ImageWidth)},
			"pred_boxes":   boxes,
			"scores":       scores,
			"pred_classes": classes,
			"pred_labels":  labels,
		},
		"model":      pred.Model,
		"elapsed_us": float64(pred.Elapsed.Microseconds()),
	})
}

// FromStruct rebuilds a prediction from the Struct produced by ToStruct.
func FromStruct(st *structpb.Struct) (*detection.Prediction, error) {
	raw := st.AsMap()

	instances, ok := raw["instances"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing instances", ErrDecode)
	}

	in := &detection.Instances{}
	if size, ok := instances["image_size"].([]any); ok && len(size) == 2 {
		in.ImageHeight = int(number(size[0]))
		in.ImageWidth = int(number(size[1]))
	}

	for _, v := range list(instances["pred_boxes"]) {
		coords := list(v)
		if len(coords) != 4 {
			return nil, fmt.Errorf("%w: box with %d coordinates", ErrDecode, len(coords))
		}
		in.Boxes = append(in.Boxes, detection.Box{
			float32(number(coords[0])), float32(number(coords[1])),
			float32(number(coords[2])), float32(number(coords[3])),
		})
	}
	for _, v := range list(instances["scores"]) {
		in.Scores = append(in.Scores, float32(number(v)))
	}
	for _, v := range list(instances["pred_classes"]) {
		in.Classes = append(in.Classes, int(number(v)))
	}
	for _, v := range list(instances["pred_labels"]) {
		if s, ok := v.(string); ok {
			in.Labels = append(in.Labels, s)
		}
	}

	if len(in.Boxes) != len(in.Scores) || len(in.Classes) != len(in.Scores) {
		return nil, fmt.Errorf("%w: misaligned instance fields", ErrDecode)
	}

	pred := &detection.Prediction{Instances: in}
	if m, ok := raw["model"].(string); ok {
		pred.Model = m
	}
	pred.Elapsed = time.Duration(number(raw["elapsed_us"])) * time.Microsecond

	return pred, nil
}

func list(v any) []any {
	l, _ := v.([]any)
	return l
}

func number(v any) float64 {
	f, _ := v.(float64)
	return f
}

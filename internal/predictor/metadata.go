package predictor

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LabelsFile is the optional class name list read next to the config.
const LabelsFile = "labels.txt"

// Metadata describes the dataset a model was evaluated on.
type Metadata struct {
	Name         string
	ThingClasses []string
}

// Label returns the class name for id, or its decimal form when unknown.
func (m *Metadata) Label(id int) string {
	if id >= 0 && id < len(m.ThingClasses) {
		return m.ThingClasses[id]
	}
	return strconv.Itoa(id)
}

// LoadMetadata resolves the metadata for dataset. A labels.txt file in dir
// wins over the built-in catalog.
func LoadMetadata(dataset, dir string) (*Metadata, error) {
	md := &Metadata{Name: dataset}

	labels, err := readLabels(filepath.Join(dir, LabelsFile))
	if err != nil {
		return nil, err
	}
	if labels != nil {
		md.ThingClasses = labels
		return md, nil
	}

	if strings.HasPrefix(dataset, "coco_") || strings.HasPrefix(dataset, "keypoints_coco_") {
		md.ThingClasses = append([]string(nil), cocoThingClasses...)
	}
	return md, nil
}

func readLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open labels: %w", err)
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			labels = append(labels, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	return labels, nil
}

var cocoThingClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck",
	"boat", "traffic light", "fire hydrant", "stop sign", "parking meter", "bench",
	"bird", "cat", "dog", "horse", "sheep", "cow", "elephant", "bear", "zebra",
	"giraffe", "backpack", "umbrella", "handbag", "tie", "suitcase", "frisbee",
	"skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup",
	"fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch",
	"potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear",
	"hair drier", "toothbrush",
}

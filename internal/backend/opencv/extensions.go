package opencv

import "errors"

// ErrUnavailable is returned when the binary was built without OpenCV.
var ErrUnavailable = errors.New("opencv backend not compiled in, rebuild with -tags opencv")

// Extensions lists the weights formats OpenCV DNN reads.
func Extensions() []string {
	return []string{".caffemodel", ".pb", ".weights"}
}

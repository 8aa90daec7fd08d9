package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ekisa-team/detserve/internal/codec"
	"github.com/ekisa-team/detserve/internal/config"
	"github.com/ekisa-team/detserve/internal/detection"
	"github.com/ekisa-team/detserve/internal/env"
	"github.com/ekisa-team/detserve/internal/envvar"
	"github.com/ekisa-team/detserve/internal/handler"
	"github.com/ekisa-team/detserve/internal/logger"
	"github.com/ekisa-team/detserve/internal/ndarray"
	"github.com/ekisa-team/detserve/internal/predictor"
)

// runPredict runs the four handler functions once on a local image, the way
// the hosting runtime would.
func runPredict(args []string) int {
	fs := flag.NewFlagSet("detserve predict", flag.ExitOnError)
	var (
		flagImage     = fs.String("image", "", "Path to a JPEG image")
		flagModelDir  = fs.String("model-dir", config.DefaultModelDir, "Directory holding the config and weights files")
		flagAccept    = fs.String("accept", codec.ContentTypeProtobuf, "Response content type")
		flagThreshold = fs.Float64("threshold", -1, "Score threshold override")
		flagLogLevel  = fs.String("log-level", "info", "Log level")
	)
	_ = fs.Parse(args)

	slog.SetDefault(logger.New(env.FromEnv(), logger.WithLevel(logger.ParseLevel(*flagLogLevel))))

	if *flagImage == "" {
		fmt.Fprintln(os.Stderr, "predict: -image is required")
		fs.Usage()
		return 2
	}

	if err := predictOnce(context.Background(), os.Stdout, *flagImage, *flagModelDir, *flagAccept, *flagThreshold); err != nil {
		slog.Error("Prediction failed", "image", *flagImage, "error", err)
		return 1
	}
	return 0
}

func predictOnce(ctx context.Context, w io.Writer, imagePath, modelDir, accept string, threshold float64) error {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return err
	}

	img, err := codec.Decode(data, codec.ContentTypeJPEG)
	if err != nil {
		return err
	}

	var payload bytes.Buffer
	if err := ndarray.EncodeNPY(&payload, img); err != nil {
		return err
	}

	backends := newRegistry(os.Getenv(envvar.ONNXRuntimeSharedLibraryPath))
	defer backends.Close()
	h := handler.New(backends)

	input, err := h.InputFn(payload.Bytes(), codec.ContentTypeNPY)
	if err != nil {
		return err
	}

	p, err := h.ModelFn(ctx, modelDir)
	if err != nil {
		return err
	}
	defer p.Close()

	var opts []predictor.PredictOption
	if threshold >= 0 {
		opts = append(opts, predictor.WithScoreThreshold(float32(threshold)))
	}

	pred, err := h.PredictFn(ctx, input, p, opts...)
	if err != nil {
		return err
	}

	body, contentType, err := h.OutputFn(pred, accept)
	if err != nil {
		return err
	}

	decoded, err := codec.DecodePrediction(body, contentType)
	if err != nil {
		return err
	}

	printPrediction(w, filepath.Base(imagePath), decoded, len(body), contentType)
	return nil
}

func printPrediction(w io.Writer, name string, pred *detection.Prediction, size int, contentType string) {
	in := pred.Instances
	fmt.Fprintf(w, "%s: %d detections (%dx%d) model=%s elapsed=%s\n",
		name, in.Len(), in.ImageWidth, in.ImageHeight, pred.Model, pred.Elapsed)

	for i := range in.Len() {
		label := fmt.Sprintf("class_%d", in.Classes[i])
		if i < len(in.Labels) {
			label = in.Labels[i]
		}
		b := in.Boxes[i]
		fmt.Fprintf(w, "  %-16s %.3f  [%.1f %.1f %.1f %.1f]\n", label, in.Scores[i], b[0], b[1], b[2], b[3])
	}

	fmt.Fprintf(w, "%s\n", strings.Repeat("-", 40))
	fmt.Fprintf(w, "encoded %d bytes as %s\n", size, contentType)
}

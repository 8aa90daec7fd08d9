// Package codec implements the request decoders and response encoders of the
// invocation contract.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/disintegration/imaging"
	"gorgonia.org/tensor"

	"github.com/ekisa-team/detserve/internal/ndarray"
)

// Content types understood by the codecs.
const (
	ContentTypeNPY      = "application/x-npy"
	ContentTypeJPEG     = "image/jpeg"
	ContentTypeProtobuf = "application/x-protobuf"
	ContentTypeJSON     = "application/json"
	ContentTypeOctet    = "application/octet-stream"
)

// Error definitions for the codec package.
var (
	ErrUnsupportedContentType = errors.New("unsupported request content type")
	ErrUnsupportedAccept      = errors.New("unsupported response content type")
	ErrDecode                 = errors.New("input deserialization failed")
	ErrEncode                 = errors.New("output serialization failed")
)

// Decode converts a request body into an array according to contentType.
//
// Any content type containing "application/x-npy" is read as a NumPy array of
// the stored dtype and shape. Any content type containing "jpeg" is decoded as
// an H x W x 3 uint8 image in BGR order.
func Decode(body []byte, contentType string) (*tensor.Dense, error) {
	switch {
	case strings.Contains(contentType, ContentTypeNPY):
		arr, err := ndarray.DecodeNPY(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		return arr, nil

	case strings.Contains(contentType, "jpeg"):
		if len(body) == 0 {
			return nil, fmt.Errorf("%w: empty image body", ErrDecode)
		}
		img, err := imaging.Decode(bytes.NewReader(body), imaging.AutoOrientation(true))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		return ndarray.FromImage(img, ndarray.BGR), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
}

// NegotiateAccept picks the response content type for an Accept header value.
// An empty header, wildcards and application/octet-stream select protobuf.
func NegotiateAccept(accept string) (string, error) {
	if strings.TrimSpace(accept) == "" {
		return ContentTypeProtobuf, nil
	}

	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}

		switch mediaType {
		case ContentTypeProtobuf, ContentTypeOctet, "*/*", "application/*":
			return ContentTypeProtobuf, nil
		case ContentTypeJSON:
			return ContentTypeJSON, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnsupportedAccept, accept)
}

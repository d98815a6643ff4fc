package stream

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"

	"github.com/disintegration/imaging"
)

// maxImageBytes is the §4.7 image constraint: 10MB per enqueued image.
const maxImageBytes = 10 * 1024 * 1024

// PrepareImage turns raw image bytes into the (base64, md5-hex) shape a
// stream's finalize step attaches as msg_item: JPEG and PNG pass through
// unchanged, anything else is decoded and re-encoded as JPEG, and the result
// is rejected once it would exceed the platform's per-image size limit.
func PrepareImage(data []byte) (base64Payload, md5Hex string, err error) {
	if len(data) == 0 {
		return "", "", fmt.Errorf("stream: empty image payload")
	}

	switch http.DetectContentType(data) {
	case "image/jpeg", "image/png":
		// already in an accepted format
	default:
		img, decodeErr := imaging.Decode(bytes.NewReader(data))
		if decodeErr != nil {
			return "", "", fmt.Errorf("stream: decode image for conversion: %w", decodeErr)
		}
		var buf bytes.Buffer
		if encErr := imaging.Encode(&buf, img, imaging.JPEG); encErr != nil {
			return "", "", fmt.Errorf("stream: encode converted image: %w", encErr)
		}
		data = buf.Bytes()
	}

	if len(data) > maxImageBytes {
		return "", "", fmt.Errorf("stream: image of %d bytes exceeds the %d byte limit", len(data), maxImageBytes)
	}

	sum := md5.Sum(data)
	return base64.StdEncoding.EncodeToString(data), hex.EncodeToString(sum[:]), nil
}

// PrepareImageFile is PrepareImage for a file already materialized on disk,
// the shape a MediaFile with a LocalPath arrives in.
func PrepareImageFile(path string) (base64Payload, md5Hex string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("stream: read image file: %w", err)
	}
	return PrepareImage(data)
}

package convert

import (
	"bytes"
	"encoding/base64"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"go.viam.com/voxelvault/utils"
)

// WatermarkSize is the largest edge of a stored watermark.
const WatermarkSize = 256

// loadWatermark reads a PNG, fits it into WatermarkSize square and returns it base64 encoded.
func loadWatermark(path string) (string, error) {
	if !strings.EqualFold(filepath.Ext(path), ".png") {
		return "", utils.NewNotSupportedError("watermark %q is not a PNG", path)
	}
	img, err := imaging.Open(path)
	if err != nil {
		return "", utils.NewOpenError(err, "reading watermark %q", path)
	}
	b := img.Bounds()
	if b.Dx() > WatermarkSize || b.Dy() > WatermarkSize {
		img = imaging.Fit(img, WatermarkSize, WatermarkSize, imaging.Lanczos)
	}
	var out bytes.Buffer
	if err := imaging.Encode(&out, img, imaging.PNG); err != nil {
		return "", utils.NewWriteError(err, "encoding watermark")
	}
	return base64.StdEncoding.EncodeToString(out.Bytes()), nil
}

package provider

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"strings"

	"atelier/internal/logging"
	"atelier/internal/types"
)

// Raster formats the backends ingest directly.
var supportedReferenceMIMEs = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
}

// NormalizeReference prepares a user-supplied reference image for
// submission. Directly supported rasters pass through. Other raster
// formats are re-encoded to PNG. Vector formats (and anything that fails
// to decode) are skipped with a warning: a reference-image problem must
// never fail the whole generation request.
func NormalizeReference(ref *types.Blob) *types.Blob {
	if ref == nil || len(ref.Data) == 0 {
		return nil
	}
	mime := strings.ToLower(strings.TrimSpace(ref.MIMEType))
	if supportedReferenceMIMEs[mime] {
		return ref
	}
	if strings.Contains(mime, "svg") || strings.HasPrefix(mime, "text/") {
		logging.Provider().Warnw("reference image format not convertible, skipping reference",
			"mime", ref.MIMEType)
		return nil
	}

	img, _, err := image.Decode(bytes.NewReader(ref.Data))
	if err != nil {
		logging.Provider().Warnw("reference image conversion failed, skipping reference",
			"mime", ref.MIMEType, "error", err)
		return nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		logging.Provider().Warnw("reference image re-encode failed, skipping reference",
			"mime", ref.MIMEType, "error", err)
		return nil
	}
	return &types.Blob{MIMEType: "image/png", Data: buf.Bytes()}
}

// DataURI encodes image bytes as a data URI for the canvas.
func DataURI(mime string, data []byte) string {
	if mime == "" {
		mime = "image/png"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
}

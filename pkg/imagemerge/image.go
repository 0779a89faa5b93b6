package imagemerge

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// Image is raw image bytes with their MIME type
type Image struct {
	Data     []byte
	MIMEType string
}

// Empty reports whether the image carries no data
func (i Image) Empty() bool {
	return len(i.Data) == 0
}

// ContentType returns the MIME type, sniffing it from the data when unset
func (i Image) ContentType() string {
	if i.MIMEType != "" {
		return i.MIMEType
	}
	return http.DetectContentType(i.Data)
}

// DataURL encodes the image as a base64 data URL
func (i Image) DataURL() string {
	return "data:" + i.ContentType() + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// ParseDataURL decodes a base64 data URL such as "data:image/png;base64,iVBOR...".
// A bare base64 string is accepted as well.
func ParseDataURL(s string) (Image, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Image{}, nil
	}

	var mimeType string
	payload := s
	if strings.HasPrefix(s, "data:") {
		header, data, ok := strings.Cut(s[len("data:"):], ",")
		if !ok || !strings.HasSuffix(header, ";base64") {
			return Image{}, ErrInvalidDataURL
		}
		mimeType = strings.TrimSuffix(header, ";base64")
		payload = data
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, ErrInvalidDataURL
	}
	return Image{Data: data, MIMEType: mimeType}, nil
}

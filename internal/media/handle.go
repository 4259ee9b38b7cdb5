package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"time"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp" // register decoder
)

// Handle is a fetched, decodable image ready for rendering
type Handle struct {
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	Format      string    `json:"format"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Size        int       `json:"size"`
	FetchedAt   time.Time `json:"fetched_at"`
	Data        []byte    `json:"-"`
}

// NewHandle sniffs and decodes the image header of data. A body that is not
// a supported image is an error.
func NewHandle(url string, data []byte) (*Handle, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return &Handle{
		URL:         url,
		ContentType: mimetype.Detect(data).String(),
		Format:      format,
		Width:       cfg.Width,
		Height:      cfg.Height,
		Size:        len(data),
		FetchedAt:   time.Now(),
		Data:        data,
	}, nil
}

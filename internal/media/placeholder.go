package media

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"

	"go.uber.org/zap"

	"github.com/steemit/feedsync/pkg/logging"
)

// PlaceholderURL identifies the fallback image
const PlaceholderURL = "feedsync:placeholder"

const placeholderSize = 48

var (
	placeholderOnce   sync.Once
	placeholderHandle *Handle
)

// Placeholder returns the image shown in place of media that failed to load
func Placeholder() *Handle {
	placeholderOnce.Do(func() {
		border := color.Gray{Y: 0x90}
		img := image.NewGray(image.Rect(0, 0, placeholderSize, placeholderSize))
		for i := range img.Pix {
			img.Pix[i] = 0xc0
		}
		for i := 0; i < placeholderSize; i++ {
			img.SetGray(i, 0, border)
			img.SetGray(i, placeholderSize-1, border)
			img.SetGray(0, i, border)
			img.SetGray(placeholderSize-1, i, border)
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			logging.WithComponent("media").Error("Failed to encode placeholder", zap.Error(err))
		}
		h, err := NewHandle(PlaceholderURL, buf.Bytes())
		if err != nil {
			h = &Handle{URL: PlaceholderURL, ContentType: "image/png", Format: "png", Data: buf.Bytes()}
		}
		placeholderHandle = h
	})
	return placeholderHandle
}

package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/steemit/feedsync/internal/media"
	"github.com/steemit/feedsync/pkg/logging"
)

// MediaAPI resolves image URLs through the media cache
type MediaAPI struct {
	source MediaSource
	logger *zap.Logger
}

// NewMediaAPI creates a new media API
func NewMediaAPI(source MediaSource) *MediaAPI {
	return &MediaAPI{source: source, logger: logging.WithComponent("media-api")}
}

type mediaParams struct {
	URL string `json:"url"`
}

// Get returns the metadata of the decoded image. Fetch failures surface as
// errors here; only the HTTP route substitutes the placeholder.
func (api *MediaAPI) Get(c *gin.Context, params json.RawMessage) (interface{}, error) {
	var p mediaParams
	if err := bindParams(params, &p); err != nil {
		return nil, err
	}
	if !validMediaURL(p.URL) {
		return nil, invalidParams("url must be an absolute http(s) URL")
	}
	return api.source.Get(c.Request.Context(), p.URL)
}

// Serve writes the image bytes for ?url=. Any failure serves the
// placeholder with X-Feedsync-Placeholder set.
func (api *MediaAPI) Serve(c *gin.Context) {
	target := c.Query("url")
	if !validMediaURL(target) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url must be an absolute http(s) URL"})
		return
	}

	h, err := api.source.Get(c.Request.Context(), target)
	if err != nil {
		api.logger.Debug("Serving placeholder", zap.String("url", target), zap.Error(err))
		h = media.Placeholder()
		c.Header("X-Feedsync-Placeholder", "1")
	}
	c.Header("Cache-Control", "private, max-age=300")
	c.Data(http.StatusOK, h.ContentType, h.Data)
}

func validMediaURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

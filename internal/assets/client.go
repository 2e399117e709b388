// Package assets talks to the external asset-library service. The library
// itself (uploads, preview generation, categories) is a separate system;
// this client only resolves weak references from whiteboard elements and
// publishes exported snapshots as new assets.
package assets

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/collabcanvas/boardsync/backend/internal/board"
)

const defaultRequestTimeout = 30 * time.Second

var (
	errMissingBaseURL = errors.New("assets: service base url is required")
)

// ClientConfig configures the asset service client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client is an HTTP client for the asset-library collaborator. It implements
// board.AssetDirectory.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("assets: invalid service base url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{baseURL: base, httpClient: httpClient, logger: logger}, nil
}

type assetPayload struct {
	AssetID      string `json:"asset_id"`
	Title        string `json:"title"`
	DownloadURL  string `json:"download_url"`
	ThumbnailURL string `json:"thumbnail_url"`
	PreviewReady bool   `json:"preview_ready"`
	Deleted      bool   `json:"deleted"`
}

// Lookup resolves an asset reference. Soft-deleted assets are reported as
// found: elements derived from them still need preview metadata. A 404 maps
// to board.ErrNotFound.
func (c *Client) Lookup(ctx context.Context, assetID string) (board.AssetInfo, error) {
	endpoint := fmt.Sprintf("%s/assets/%s", c.baseURL, url.PathEscape(assetID))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return board.AssetInfo{}, err
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return board.AssetInfo{}, fmt.Errorf("assets: lookup request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return board.AssetInfo{}, fmt.Errorf("%w: asset %s", board.ErrNotFound, assetID)
	}
	if response.StatusCode != http.StatusOK {
		return board.AssetInfo{}, fmt.Errorf("assets: lookup returned status %d", response.StatusCode)
	}

	var payload assetPayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return board.AssetInfo{}, fmt.Errorf("assets: malformed lookup response: %w", err)
	}

	return board.AssetInfo{
		AssetID:      payload.AssetID,
		PreviewURL:   payload.ThumbnailURL,
		PreviewReady: payload.PreviewReady,
		Deleted:      payload.Deleted,
	}, nil
}

// Asset is the collaborator's record of a published asset.
type Asset struct {
	AssetID      string
	Title        string
	DownloadURL  string
	ThumbnailURL string
}

// CreateImageRequest describes a whiteboard snapshot being published to the
// library.
type CreateImageRequest struct {
	Title       string
	Description string
	Categories  []string
	ImagePNG    []byte
}

type createAssetBody struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	ContentType string   `json:"content_type"`
	DataBase64  string   `json:"data_base64"`
}

// CreateImageAsset publishes a rendered whiteboard image as a library asset.
func (c *Client) CreateImageAsset(ctx context.Context, req CreateImageRequest) (Asset, error) {
	body := createAssetBody{
		Title:       req.Title,
		Description: req.Description,
		Categories:  req.Categories,
		ContentType: "image/png",
		DataBase64:  base64.StdEncoding.EncodeToString(req.ImagePNG),
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return Asset{}, err
	}

	endpoint := fmt.Sprintf("%s/assets", c.baseURL)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return Asset{}, err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return Asset{}, fmt.Errorf("assets: create request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusCreated {
		return Asset{}, fmt.Errorf("assets: create returned status %d", response.StatusCode)
	}

	var payload assetPayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return Asset{}, fmt.Errorf("assets: malformed create response: %w", err)
	}

	return Asset{
		AssetID:      payload.AssetID,
		Title:        payload.Title,
		DownloadURL:  payload.DownloadURL,
		ThumbnailURL: payload.ThumbnailURL,
	}, nil
}

package export

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/collabcanvas/boardsync/backend/internal/assets"
	"github.com/collabcanvas/boardsync/backend/internal/board"
)

var (
	errMissingStore    = errors.New("export: board store is required")
	errMissingRenderer = errors.New("export: renderer is required")
	// ErrAssetServiceUnavailable indicates an asset export was requested with
	// no asset-library collaborator configured.
	ErrAssetServiceUnavailable = errors.New("export: asset service is not configured")
)

// BoardSnapshots is the slice of the board service the exporter needs: a
// consistent element snapshot and the ability to record the new thumbnail.
type BoardSnapshots interface {
	SnapshotElements(ctx context.Context, boardID board.BoardID) ([]board.Element, error)
	SetThumbnail(ctx context.Context, boardID board.BoardID, thumbnailURL string) error
}

// AssetPublisher is the slice of the asset client used for exports.
type AssetPublisher interface {
	Lookup(ctx context.Context, assetID string) (board.AssetInfo, error)
	CreateImageAsset(ctx context.Context, req assets.CreateImageRequest) (assets.Asset, error)
}

// ExporterConfig wires the export pipeline.
type ExporterConfig struct {
	Store    BoardSnapshots
	Renderer *Renderer
	Assets   AssetPublisher
	Logger   *zap.Logger
}

// Exporter renders whiteboards to flat PNG images and publishes them as
// library assets.
type Exporter struct {
	store    BoardSnapshots
	renderer *Renderer
	assets   AssetPublisher
	logger   *zap.Logger
}

// NewExporter validates the configuration and returns an Exporter.
func NewExporter(cfg ExporterConfig) (*Exporter, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Renderer == nil {
		return nil, errMissingRenderer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		store:    cfg.Store,
		renderer: cfg.Renderer,
		assets:   cfg.Assets,
		logger:   logger,
	}, nil
}

// ExportPNG renders the whiteboard's current element set to a PNG. The
// snapshot is taken through the board's ordering gate, so the image reflects
// a single consistent state. A whiteboard with zero active elements exports
// as a blank canvas, not an error.
func (e *Exporter) ExportPNG(ctx context.Context, boardID board.BoardID) ([]byte, error) {
	elements, err := e.store.SnapshotElements(ctx, boardID)
	if err != nil {
		return nil, fmt.Errorf("export: snapshot failed: %w", err)
	}

	canvas := e.renderer.Render(elements, e.pendingPreviews(ctx, elements))
	encoded, err := EncodePNG(canvas)
	if err != nil {
		return nil, fmt.Errorf("export: png encode failed: %w", err)
	}
	return encoded, nil
}

// Metadata describes the asset produced by ExportToAsset.
type Metadata struct {
	Title       string
	Description string
	Categories  []string
}

// ExportToAsset renders the whiteboard and publishes the image to the asset
// library, then records the resulting thumbnail on the whiteboard. Storage
// or collaborator failures are fatal to this call only.
func (e *Exporter) ExportToAsset(ctx context.Context, boardID board.BoardID, meta Metadata) (assets.Asset, error) {
	if e.assets == nil {
		return assets.Asset{}, ErrAssetServiceUnavailable
	}

	encoded, err := e.ExportPNG(ctx, boardID)
	if err != nil {
		return assets.Asset{}, err
	}

	created, err := e.assets.CreateImageAsset(ctx, assets.CreateImageRequest{
		Title:       meta.Title,
		Description: meta.Description,
		Categories:  meta.Categories,
		ImagePNG:    encoded,
	})
	if err != nil {
		return assets.Asset{}, fmt.Errorf("export: asset publish failed: %w", err)
	}

	if created.ThumbnailURL != "" {
		if err := e.store.SetThumbnail(ctx, boardID, created.ThumbnailURL); err != nil {
			e.logger.Warn("failed to record whiteboard thumbnail",
				zap.String("board_id", boardID.String()), zap.Error(err))
		}
	}

	return created, nil
}

// pendingPreviews flags asset-derived elements whose library preview is not
// ready yet. Those render as placeholders; a lookup failure also degrades to
// a placeholder rather than failing the export.
func (e *Exporter) pendingPreviews(ctx context.Context, elements []board.Element) map[int64]bool {
	if e.assets == nil {
		return nil
	}

	pending := make(map[int64]bool)
	for _, element := range elements {
		if element.AssetID == nil || *element.AssetID == "" {
			continue
		}
		info, err := e.assets.Lookup(ctx, *element.AssetID)
		if err != nil || !info.PreviewReady {
			pending[element.UID] = true
			if err != nil {
				e.logger.Debug("asset preview lookup failed, rendering placeholder",
					zap.String("asset_id", *element.AssetID), zap.Error(err))
			}
		}
	}
	return pending
}

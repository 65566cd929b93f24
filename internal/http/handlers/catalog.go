package handlers

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dispatcharr/dispatcharr-proxy/internal/catalog"
)

// CatalogHandler exposes the loaded catalog and forces reloads.
type CatalogHandler struct {
	store  *catalog.Store
	logger *slog.Logger
}

// NewCatalogHandler creates a catalog handler.
func NewCatalogHandler(store *catalog.Store) *CatalogHandler {
	return &CatalogHandler{
		store:  store,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *CatalogHandler) WithLogger(logger *slog.Logger) *CatalogHandler {
	h.logger = logger
	return h
}

// GetCatalogInput is the input for the catalog summary.
type GetCatalogInput struct{}

// RefreshCatalogInput is the input for a forced refresh.
type RefreshCatalogInput struct{}

// CatalogOutput is the output for catalog operations.
type CatalogOutput struct {
	Body CatalogResponse
}

// Register registers the catalog routes with the API.
func (h *CatalogHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getCatalog",
		Method:      "GET",
		Path:        "/api/v1/catalog",
		Summary:     "Catalog summary",
		Tags:        []string{"Catalog"},
	}, h.GetCatalog)

	huma.Register(api, huma.Operation{
		OperationID: "refreshCatalog",
		Method:      "POST",
		Path:        "/api/v1/catalog/refresh",
		Summary:     "Reload catalog",
		Description: "Reloads accounts, profiles and channels. Running sessions keep the records they started with.",
		Tags:        []string{"Catalog"},
	}, h.RefreshCatalog)
}

// GetCatalog summarizes the current snapshot.
func (h *CatalogHandler) GetCatalog(_ context.Context, _ *GetCatalogInput) (*CatalogOutput, error) {
	return &CatalogOutput{Body: CatalogResponse{Stats: h.store.Snapshot().Stats()}}, nil
}

// RefreshCatalog reloads the catalog from its source.
func (h *CatalogHandler) RefreshCatalog(ctx context.Context, _ *RefreshCatalogInput) (*CatalogOutput, error) {
	if err := h.store.Refresh(ctx); err != nil {
		return nil, huma.Error503ServiceUnavailable("catalog refresh failed", err)
	}
	stats := h.store.Snapshot().Stats()
	h.logger.Info("catalog refreshed on request",
		slog.Int("accounts", stats.Accounts),
		slog.Int("channels", stats.Channels),
	)
	return &CatalogOutput{Body: CatalogResponse{Stats: stats}}, nil
}

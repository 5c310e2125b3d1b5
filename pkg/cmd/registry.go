// Package cmd provides common initialization for the command-line
// entrypoints.
package cmd

import (
	"log/slog"

	"github.com/quilfort/flowline/pkg/handlers/dataquery"
	"github.com/quilfort/flowline/pkg/handlers/generate"
	"github.com/quilfort/flowline/pkg/handlers/httpcall"
	"github.com/quilfort/flowline/pkg/models"
	"github.com/quilfort/flowline/pkg/persistence"
	"github.com/quilfort/flowline/pkg/registry"
)

// NewRegistry creates the action registry with the native handlers
// registered. Additional business capabilities register through the same
// seam.
func NewRegistry(logger *slog.Logger, records persistence.RecordStore) *registry.Registry {
	reg := registry.NewRegistry(logger)

	reg.Register(httpcall.ActionKey, httpcall.NewHandler(logger))
	reg.Register(generate.ActionKey, generate.NewHandler(logger))
	reg.Register(models.DataQueryActionKey, dataquery.NewHandler(logger, records))

	return reg
}

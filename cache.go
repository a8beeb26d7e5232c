package fleetsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ReferenceCache keeps local read-only mirrors of server reference data
// (vehicles, destinations, recent usage) so forms can be filled offline.
// Each successful fetch replaces the mirror wholesale; a failed fetch leaves
// the previous mirror untouched. Mirrors are never a source of truth for
// writes.
type ReferenceCache struct {
	store  Store
	api    RemoteAPI
	logger *slog.Logger
}

// NewReferenceCache creates a cache backed by the given store and API.
func NewReferenceCache(store Store, api RemoteAPI, logger *slog.Logger) *ReferenceCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReferenceCache{store: store, api: api, logger: logger}
}

// Refresh fetches all reference lists and replaces the local mirrors. Lists
// that fail to fetch keep their previous contents; the error reports every
// list that could not be refreshed.
func (c *ReferenceCache) Refresh(ctx context.Context) error {
	var errs []error

	if vehicles, err := c.api.FetchVehicles(ctx); err != nil {
		errs = append(errs, fmt.Errorf("fetch vehicles: %w", err))
	} else if err := c.store.ReplaceVehicles(vehicles); err != nil {
		errs = append(errs, fmt.Errorf("store vehicles: %w", err))
	} else {
		c.logger.Debug("vehicle mirror refreshed", "count", len(vehicles))
	}

	if dests, err := c.api.FetchDestinations(ctx); err != nil {
		errs = append(errs, fmt.Errorf("fetch destinations: %w", err))
	} else if err := c.store.ReplaceDestinations(dests); err != nil {
		errs = append(errs, fmt.Errorf("store destinations: %w", err))
	} else {
		c.logger.Debug("destination mirror refreshed", "count", len(dests))
	}

	if usage, err := c.api.FetchRecentUsage(ctx); err != nil {
		errs = append(errs, fmt.Errorf("fetch recent usage: %w", err))
	} else if err := c.store.ReplaceUsage(usage); err != nil {
		errs = append(errs, fmt.Errorf("store recent usage: %w", err))
	} else {
		c.logger.Debug("usage mirror refreshed", "count", len(usage))
	}

	return errors.Join(errs...)
}

// Vehicles returns the mirrored vehicle list.
func (c *ReferenceCache) Vehicles() ([]Vehicle, error) {
	return c.store.Vehicles()
}

// Destinations returns the mirrored destination list.
func (c *ReferenceCache) Destinations() ([]Destination, error) {
	return c.store.Destinations()
}

// RecentUsage returns the mirrored recent usage list.
func (c *ReferenceCache) RecentUsage() ([]UsageRecord, error) {
	return c.store.RecentUsage()
}

package chdb

import (
	"context"

	"github.com/wsprdaemon/wsprserver/internal/wspr"
)

// InsertSpots writes aggregator spots into the main spots table.
func (c *Client) InsertSpots(ctx context.Context, spots []wspr.Spot) error {
	return c.InsertBatch(ctx, TableSpots, wspr.SpotColumns, spotRows(spots))
}

// InsertOverflowSpots writes spots whose frequency fell outside their
// band's transmit window into the diagnostic overflow table.
func (c *Client) InsertOverflowSpots(ctx context.Context, spots []wspr.Spot) error {
	return c.InsertBatch(ctx, TableSpotsOverflow, wspr.SpotColumns, spotRows(spots))
}

// InsertExtendedSpots writes receiver-side spots with decoder diagnostics.
func (c *Client) InsertExtendedSpots(ctx context.Context, spots []wspr.ExtendedSpot) error {
	rows := make([][]any, len(spots))
	for i, s := range spots {
		rows[i] = s.Row()
	}
	return c.InsertBatch(ctx, TableSpotsExtended, wspr.ExtendedSpotColumns, rows)
}

// InsertNoise writes background noise samples.
func (c *Client) InsertNoise(ctx context.Context, samples []wspr.Noise) error {
	rows := make([][]any, len(samples))
	for i, n := range samples {
		rows[i] = n.Row()
	}
	return c.InsertBatch(ctx, TableNoise, wspr.NoiseColumns, rows)
}

// IsTransient reports whether err is a retryable failure. Method form of
// the package function so callers can hold the classifier behind their own
// interface.
func (c *Client) IsTransient(err error) bool {
	return IsTransient(err)
}

func spotRows(spots []wspr.Spot) [][]any {
	rows := make([][]any, len(spots))
	for i, s := range spots {
		rows[i] = s.Row()
	}
	return rows
}

package storage

import (
	"context"
	"fmt"
	"log"
)

// CopyStats reports what Copy moved.
type CopyStats struct {
	Cells        int
	Confinements int
	Skipped      int // corrupt records left behind
}

// Copy loads everything from src and upserts it into dst. Records src could
// not decode are skipped and counted. dst is not cleared first.
func Copy(ctx context.Context, dst, src Backend) (CopyStats, error) {
	var stats CopyStats
	res, err := src.LoadAll(ctx)
	if err != nil {
		return stats, fmt.Errorf("storage: copy: load source: %w", err)
	}
	for _, c := range res.Corrupt {
		log.Printf("storage: WARNING: copy skips %v", c)
	}
	stats.Skipped = len(res.Corrupt)

	for _, c := range res.Cells {
		if err := dst.UpsertCell(ctx, c); err != nil {
			return stats, fmt.Errorf("storage: copy cell %q: %w", c.Name, err)
		}
		stats.Cells++
	}
	for _, c := range res.Confinements {
		if err := dst.UpsertConfinement(ctx, c); err != nil {
			return stats, fmt.Errorf("storage: copy confinement %s: %w", c.Subject, err)
		}
		stats.Confinements++
	}
	log.Printf("storage: copied %d cells, %d confinements (%d corrupt skipped)", stats.Cells, stats.Confinements, stats.Skipped)
	return stats, nil
}

// Package history pulls the window of lines preceding the last known line at startup.
package history

import (
	"context"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/possel-client/internal/chat"
	"go.uber.org/zap"
)

// DefaultWindow is the number of line ids pulled before the last line.
const DefaultWindow = 3000

var errMissingFetcher = errors.New("history: line fetcher is required")

// LineFetcher fetches lines with ids strictly greater than the given id.
type LineFetcher interface {
	FetchLinesAfter(ctx context.Context, id chat.LineID) ([]chat.Line, error)
}

// Backfiller computes and fetches the startup history window.
type Backfiller struct {
	fetcher LineFetcher
	window  int64
	logger  *zap.Logger
}

// NewBackfiller returns a Backfiller. A non-positive window uses DefaultWindow.
func NewBackfiller(fetcher LineFetcher, window int, logger *zap.Logger) (*Backfiller, error) {
	if fetcher == nil {
		return nil, errMissingFetcher
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backfiller{fetcher: fetcher, window: int64(window), logger: logger}, nil
}

// Fetch returns the lines with ids in (last-window, last], ascending. When there is
// no last line, or the window would start below zero, nothing is requested.
func (b *Backfiller) Fetch(ctx context.Context, last *chat.Line) ([]chat.Line, error) {
	if last == nil {
		b.logger.Warn("history backfill skipped", zap.String("reason", "no_last_line"))
		return nil, nil
	}
	lower := int64(last.ID) - b.window
	if lower < 0 {
		b.logger.Warn("history backfill skipped",
			zap.String("reason", "negative_window"),
			zap.Int64("last_line", int64(last.ID)),
			zap.Int64("window", b.window))
		return nil, nil
	}

	lines, err := b.fetcher.FetchLinesAfter(ctx, chat.LineID(lower))
	if err != nil {
		return nil, err
	}

	inWindow := lines[:0]
	for _, line := range lines {
		if int64(line.ID) > lower && line.ID <= last.ID {
			inWindow = append(inWindow, line)
		}
	}
	sort.Slice(inWindow, func(i, j int) bool { return inWindow[i].ID < inWindow[j].ID })

	b.logger.Info("history backfill fetched",
		zap.Int64("after", lower),
		zap.Int64("last_line", int64(last.ID)),
		zap.Int("lines", len(inWindow)))
	return inWindow, nil
}

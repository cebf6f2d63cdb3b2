// Package trigger produces upload events by polling the image container.
//
// Each listed object version (key plus etag) is fired once; a receipt is
// recorded only after the event was accepted, so a failed fire is retried
// on the next poll. An overwritten object gets a new etag and fires again.
package trigger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fly-io/imagemeta/pkg/gateway"
	"github.com/fly-io/imagemeta/pkg/storage"
	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when the cron specification cannot be parsed.
var ErrInvalidSchedule = errors.New("invalid poll schedule")

// Lister lists objects in the watched container
type Lister interface {
	ListObjects(ctx context.Context, prefix string) ([]storage.ObjectInfo, error)
}

// Receipts remembers which object versions have been fired
type Receipts interface {
	HasReceipt(ctx context.Context, key, etag string) (bool, error)
	RecordReceipt(ctx context.Context, key, etag string) error
}

// FireFunc delivers one upload event
type FireFunc func(ctx context.Context, ev gateway.Event) error

// Poller turns new objects into upload events
type Poller struct {
	lister   Lister
	receipts Receipts
	fire     FireFunc
	logger   *slog.Logger
}

// NewPoller creates a poller. A nil logger uses slog.Default.
func NewPoller(lister Lister, receipts Receipts, fire FireFunc, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		lister:   lister,
		receipts: receipts,
		fire:     fire,
		logger:   logger,
	}
}

// Poll lists the container once and fires an event for every object
// version without a receipt. It returns the number of events fired.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	objects, err := p.lister.ListObjects(ctx, "")
	if err != nil {
		return 0, err
	}

	fired := 0
	var errs []error
	for _, obj := range objects {
		seen, err := p.receipts.HasReceipt(ctx, obj.Key, obj.ETag)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen {
			continue
		}

		ev := gateway.Event{ResourceIdentifier: obj.Key, SizeBytes: obj.Size}
		if err := p.fire(ctx, ev); err != nil {
			p.logger.Warn("poll_fire_failed", "object_key", obj.Key, "error", err)
			errs = append(errs, err)
			continue
		}
		if err := p.receipts.RecordReceipt(ctx, obj.Key, obj.ETag); err != nil {
			errs = append(errs, err)
			continue
		}
		fired++
	}

	p.logger.Info("poll_complete", "listed", len(objects), "fired", fired, "errors", len(errs))
	return fired, errors.Join(errs...)
}

// ParseSchedule parses a five-field cron spec or a descriptor such as
// "@every 30s".
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, errors.Join(ErrInvalidSchedule, err)
	}
	return schedule, nil
}

// Run polls according to spec until ctx is cancelled. The first poll
// happens immediately.
func (p *Poller) Run(ctx context.Context, spec string) error {
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return err
	}

	for {
		if _, err := p.Poll(ctx); err != nil {
			p.logger.Warn("poll_failed", "error", err)
		}

		next := schedule.Next(time.Now())
		p.logger.Debug("poll_waiting", "next_run", next)

		select {
		case <-ctx.Done():
			p.logger.Info("poller_stopped")
			return nil
		case <-time.After(time.Until(next)):
		}
	}
}

package aggregate

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// pruneSchedule runs nightly after the midnight rollover has settled.
const pruneSchedule = "30 3 * * *"

// Pruner drops stale date buckets on a nightly schedule.
type Pruner struct {
	agg      *Aggregator
	cron     *cron.Cron
	log      *slog.Logger
	keepDays int
}

// NewPruner builds a Pruner that retains keepDays of history.
func NewPruner(agg *Aggregator, log *slog.Logger, keepDays int) *Pruner {
	if log == nil {
		log = slog.Default()
	}
	if keepDays < 1 {
		keepDays = 1
	}

	return &Pruner{
		agg:      agg,
		cron:     cron.New(),
		log:      log,
		keepDays: keepDays,
	}
}

// Start registers the nightly job and launches the cron scheduler.
func (p *Pruner) Start() error {
	_, err := p.cron.AddFunc(pruneSchedule, p.prune)
	if err != nil {
		return err
	}

	p.cron.Start()
	p.log.Info("aggregate pruner started", slog.String("schedule", pruneSchedule), slog.Int("keep_days", p.keepDays))
	return nil
}

// Stop halts the scheduler, waiting for a running job to finish.
func (p *Pruner) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
}

func (p *Pruner) prune() {
	cutoff := p.agg.clk.Now().AddDate(0, 0, -p.keepDays).Format(dateLayout)
	removed := p.agg.PruneBefore(cutoff)
	if removed > 0 {
		p.log.Info("pruned stale minute buckets", slog.String("cutoff", cutoff), slog.Int("removed", removed))
	}
}

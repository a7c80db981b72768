package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ibeckermayer/pinscrape/internal/recovery"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

// RepairStage runs the recovery engine over every keyword database, then
// re-extracts image URLs where too many are missing.
type RepairStage struct {
	Engine *recovery.Engine
	Detect recovery.DetectOptions
	Now    func() time.Time

	failed map[string]bool
}

func (s *RepairStage) Name() string { return "repair" }

func (s *RepairStage) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *RepairStage) Execute(ctx context.Context, env *Env) (Stats, error) {
	var stats Stats
	s.failed = make(map[string]bool)

	err := forEachKeyword(ctx, env, &stats, func(kw string) error {
		rep := s.Engine.Recover(ctx, kw)
		if rep.Adopted {
			stats.Add("adopted", 1)
		}
		if rep.Repaired() {
			stats.Add("repaired", 1)
			stats.Add("pins_rescued", rep.Rescue.PinsWritten)
		}
		if !rep.OK() {
			s.failed[kw] = true
			if rep.Err != nil {
				return rep.Err
			}
			return fmt.Errorf("database left in state %s", rep.State)
		}
		stats.Add("healthy", 1)
		return s.repairImages(ctx, env, kw, &stats)
	})
	return stats, err
}

func (s *RepairStage) repairImages(ctx context.Context, env *Env, kw string, stats *Stats) error {
	m, err := env.Factory.Get(ctx, kw, env.OutputDir)
	if err != nil {
		return err
	}
	health, err := recovery.CheckImageHealth(ctx, m.DB())
	if err != nil {
		return err
	}
	if !health.NeedsRepair() {
		return nil
	}
	env.logger().Info("image urls missing", "keyword", kw, "missing", health.Missing, "ratio", health.Ratio)
	res, err := recovery.RepairImageURLs(ctx, m, env.logger(), s.now())
	stats.Add("image_urls_repaired", res.Repaired)
	return err
}

// Verify re-runs detection on every keyword that did not fail.
func (s *RepairStage) Verify(ctx context.Context, env *Env) error {
	keywords, err := env.Keywords()
	if err != nil {
		return err
	}
	env.Factory.CleanupAll()

	opts := s.Detect
	if opts == (recovery.DetectOptions{}) {
		opts = recovery.DefaultDetectOptions()
	}
	var errs []error
	for _, kw := range keywords {
		if s.failed[kw] {
			continue
		}
		if diag := recovery.Detect(ctx, store.DBPath(env.OutputDir, kw), opts); diag.Suspect() {
			errs = append(errs, fmt.Errorf("%s still looks damaged: %v", kw, diag.Reasons))
		}
	}
	return errors.Join(errs...)
}

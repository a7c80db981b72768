package stage

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ibeckermayer/pinscrape/internal/interrupt"
	"github.com/ibeckermayer/pinscrape/internal/pin"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

// DetailFetcher loads the full record of one pin.
type DetailFetcher interface {
	FetchPin(ctx context.Context, id string) (pin.Raw, error)
}

// EnhanceStage fetches details for pins that were saved without image
// URLs and stores the merged records.
type EnhanceStage struct {
	Fetcher DetailFetcher
	// MaxConcurrent bounds in-flight fetches.
	MaxConcurrent int
	// BatchSize is the number of pins loaded and saved at a time.
	BatchSize int
	// Limiter paces fetches. Nil means unpaced.
	Limiter *rate.Limiter
}

func (s *EnhanceStage) Name() string { return "enhance" }

func (s *EnhanceStage) Execute(ctx context.Context, env *Env) (Stats, error) {
	var stats Stats
	err := forEachKeyword(ctx, env, &stats, func(kw string) error {
		repo, err := openRepo(ctx, env, kw)
		if err != nil {
			return err
		}
		queries, err := repo.Queries(ctx)
		if err != nil {
			return err
		}
		for _, q := range queries {
			if err := s.enhanceQuery(ctx, env, repo, q, &stats); err != nil {
				return err
			}
		}
		return nil
	})
	return stats, err
}

func (s *EnhanceStage) enhanceQuery(ctx context.Context, env *Env, repo *store.Repository, query string, stats *Stats) error {
	batch := max(s.BatchSize, 1)
	// Pins that stay imageless are skipped by moving the offset past them.
	offset := 0
	sinceCheck := 0
	for {
		pins, err := repo.LoadPinsMissingImages(ctx, query, batch, offset)
		if err != nil {
			return err
		}
		if len(pins) == 0 {
			return nil
		}

		raws, misses, err := s.fetchAll(ctx, pins)
		stats.Add("candidates", len(pins))
		stats.Add("fetch_failed", misses)
		if err != nil {
			return err
		}
		offset += len(pins) - len(raws)

		if len(raws) > 0 {
			out, err := repo.SavePinsBatch(ctx, raws, query, "")
			stats.Add("enhanced", out.Successful())
			stats.Add("save_failed", out.Failed())
			offset += out.Failed()
			if err != nil {
				return err
			}
		}

		sinceCheck += len(pins)
		if sinceCheck >= env.every() {
			sinceCheck = 0
			if err := env.checkpoint(ctx, interrupt.EveryNItems); err != nil {
				return err
			}
		}
		if len(pins) < batch {
			return nil
		}
	}
}

// fetchAll fetches every pin and returns the merged records that now
// carry an image, plus the number of fetches that failed or came back
// without one.
func (s *EnhanceStage) fetchAll(ctx context.Context, pins []pin.Pin) ([]pin.Raw, int, error) {
	var (
		mu     sync.Mutex
		raws   []pin.Raw
		misses int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.MaxConcurrent, 1))
	for _, p := range pins {
		p := p
		g.Go(func() error {
			if s.Limiter != nil {
				if err := s.Limiter.Wait(gctx); err != nil {
					return err
				}
			}
			fetched, err := s.Fetcher.FetchPin(gctx, p.ID)
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			merged := mergeDetail(p, fetched)

			mu.Lock()
			defer mu.Unlock()
			if err != nil || len(pin.ExtractImageURLs(merged)) == 0 {
				misses++
				return nil
			}
			raws = append(raws, merged)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, misses, err
	}
	return raws, misses, nil
}

// mergeDetail overlays fetched on the pin's stored record. The stored id
// always wins.
func mergeDetail(p pin.Pin, fetched pin.Raw) pin.Raw {
	out := p.Raw()
	if _, ok := out["title"]; !ok && p.Title != nil {
		out["title"] = *p.Title
	}
	if _, ok := out["description"]; !ok && p.Description != nil {
		out["description"] = *p.Description
	}
	for k, v := range fetched {
		if v != nil {
			out[k] = v
		}
	}
	out["id"] = p.ID
	return out
}

// Verify has nothing to check: pins the fetcher could not fill stay as
// they were.
func (s *EnhanceStage) Verify(context.Context, *Env) error { return nil }

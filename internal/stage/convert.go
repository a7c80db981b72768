package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ibeckermayer/pinscrape/internal/pin"
	"github.com/ibeckermayer/pinscrape/internal/recovery"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

// ConvertStage rewrites Base64 pin ids to numeric ids.
type ConvertStage struct {
	Converter *recovery.Converter
}

func (s *ConvertStage) Name() string { return "convert" }

func (s *ConvertStage) Execute(ctx context.Context, env *Env) (Stats, error) {
	var stats Stats
	err := forEachKeyword(ctx, env, &stats, func(kw string) error {
		st, err := s.Converter.Convert(ctx, kw)
		stats.Add("found", st.Found)
		stats.Add("converted", st.Converted)
		stats.Add("collisions", st.Collisions)
		stats.Add("replaced", st.Replaced)
		stats.Add("failed", st.Failed)
		stats.Add("undecodable", st.Undecodable)
		return err
	})
	return stats, err
}

// Verify checks that no decodable encoded id is left behind.
func (s *ConvertStage) Verify(ctx context.Context, env *Env) error {
	keywords, err := env.Keywords()
	if err != nil {
		return err
	}
	var errs []error
	for _, kw := range keywords {
		n, err := remainingDecodable(ctx, env, kw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kw, err))
			continue
		}
		if n > 0 {
			errs = append(errs, fmt.Errorf("%s: %d encoded pin ids left", kw, n))
		}
	}
	return errors.Join(errs...)
}

func remainingDecodable(ctx context.Context, env *Env, kw string) (int, error) {
	m, err := env.Factory.Get(ctx, kw, env.OutputDir)
	if err != nil {
		return 0, err
	}
	rows, err := m.DB().QueryContext(ctx, `SELECT id FROM pins WHERE id LIKE ?`, pin.EncodedPrefix+"%")
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return n, err
		}
		if _, ok := pin.DecodeID(id); ok {
			n++
		}
	}
	return n, rows.Err()
}

// openRepo opens kw's repository through the env's factory.
func openRepo(ctx context.Context, env *Env, kw string) (*store.Repository, error) {
	return store.OpenRepository(ctx, env.Factory, kw, env.OutputDir, pin.WithLogger(env.logger()))
}

package stages

import (
	"savery/internal/config"
	"savery/internal/pipeline"
	"savery/internal/storage"
)

func Pipeline(indexes IndexSource, db *storage.DB, cfg config.Config) pipeline.Stages {
	return pipeline.Stages{
		Match:    NewMatcher(indexes, cfg.MatchMinScore),
		Pricing:  NewPricer(db, cfg.BulkRatio),
		Optimize: NewOptimizer(db),
	}
}

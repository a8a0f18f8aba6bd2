package vectorindex

import (
	"context"
	"time"

	"go.uber.org/zap"

	"orchd/internal/domain"
)

// SearcherOptions configures the fallback searcher. Zero values fall
// back to the domain defaults.
type SearcherOptions struct {
	MaxCandidates    int
	CoarseShortlist  int
	ClusterThreshold float64

	Logger  *zap.Logger
	Metrics domain.Metrics
}

// Searcher is the vector fallback: embed the task, shortlist servers,
// rank methods, collapse near-duplicates, truncate to top K.
type Searcher struct {
	index    *Index
	embedder Embedder
	opts     SearcherOptions
}

func NewSearcher(index *Index, embedder Embedder, opts SearcherOptions) *Searcher {
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = domain.DefaultMaxCandidates
	}
	if opts.CoarseShortlist <= 0 {
		opts.CoarseShortlist = domain.DefaultCoarseShortlist
	}
	if opts.ClusterThreshold <= 0 {
		opts.ClusterThreshold = domain.DefaultClusterThreshold
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger = opts.Logger.Named("fallback")
	if opts.Metrics == nil {
		opts.Metrics = domain.NopMetrics{}
	}
	return &Searcher{index: index, embedder: embedder, opts: opts}
}

// Search returns up to MaxCandidates candidates, best first. An empty
// result is a valid answer; an error means the search machinery
// itself failed (embedding or store), which the router reports as
// NoResult.
func (s *Searcher) Search(ctx context.Context, task string) ([]domain.Candidate, error) {
	start := time.Now()

	query, err := s.embedder.Embed(ctx, task)
	if err != nil {
		return nil, &domain.CollaboratorError{Which: domain.CollaboratorEmbedder, Cause: err}
	}

	servers, err := s.index.topServers(ctx, query, s.opts.CoarseShortlist)
	if err != nil {
		return nil, err
	}
	// Fetch extra hits so clustering still leaves a full set.
	hits, err := s.index.topMethods(ctx, query, servers, s.opts.MaxCandidates*3)
	if err != nil {
		return nil, err
	}
	hits = clusterHits(hits, s.opts.ClusterThreshold)
	if len(hits) > s.opts.MaxCandidates {
		hits = hits[:s.opts.MaxCandidates]
	}

	candidates := make([]domain.Candidate, 0, len(hits))
	for _, h := range hits {
		candidates = append(candidates, domain.Candidate{
			Server:      h.server,
			Method:      h.method,
			Description: h.description,
			Score:       h.score,
		})
	}
	s.opts.Metrics.ObserveFallback(len(candidates), time.Since(start))
	s.opts.Logger.Debug("fallback search",
		zap.Int("servers", len(servers)),
		zap.Int("candidates", len(candidates)))
	return candidates, nil
}

// Probe returns the single best method for the task, used for the
// fast path that proxies a high-confidence match without planning.
// ok is false when the corpus is empty or the probe fails.
func (s *Searcher) Probe(ctx context.Context, task string) (domain.Candidate, bool) {
	query, err := s.embedder.Embed(ctx, task)
	if err != nil {
		return domain.Candidate{}, false
	}
	servers, err := s.index.topServers(ctx, query, s.opts.CoarseShortlist)
	if err != nil || len(servers) == 0 {
		return domain.Candidate{}, false
	}
	hits, err := s.index.topMethods(ctx, query, servers, 1)
	if err != nil || len(hits) == 0 {
		return domain.Candidate{}, false
	}
	h := hits[0]
	return domain.Candidate{
		Server:      h.server,
		Method:      h.method,
		Description: h.description,
		Score:       h.score,
	}, true
}

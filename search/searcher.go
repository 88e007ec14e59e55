package search

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/poiesic/kgraph/ai"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
)

// Strategy selects how a query is answered.
type Strategy string

const (
	StrategyChunks  Strategy = "chunks"
	StrategyGraph   Strategy = "graph"
	StrategyLexical Strategy = "lexical"
)

const (
	defaultLimit    = 10
	maxLimit        = 100
	defaultMinScore = 0.60
	// overfetch widens vector searches because hits of other types are dropped.
	overfetch     = 4
	verbatimBoost = 0.3
	// neighborWeight scales the score of points reached through an edge.
	neighborWeight = 0.5
	lexicalPage    = 200
)

// Reader is the read side of the storage router.
type Reader interface {
	GetMany(ctx context.Context, user, datasetID core.ID, ids []core.ID) ([]*core.DataPoint, error)
	Neighbors(ctx context.Context, user, datasetID core.ID, ids []core.ID) ([]*core.Edge, error)
	SearchSimilar(ctx context.Context, user, datasetID core.ID, vector []float32, limit int, minScore float32) ([]core.ScoredVector, error)
	Filter(ctx context.Context, user, datasetID core.ID, f storage.Filter) ([]*core.DataPoint, error)
}

// DatasetLister lists the datasets a user holds a permission on.
type DatasetLister interface {
	AuthorizedDatasets(ctx context.Context, subject core.ID, perm core.Permission) ([]core.ID, error)
}

// Query describes one search.
type Query struct {
	Text     string
	Strategy Strategy
	// Datasets restricts the search. Empty means every dataset the user can read.
	Datasets []core.ID
	// Limit caps the number of results. Zero means 10.
	Limit int
	// MinScore overrides the searcher's similarity threshold when positive.
	MinScore float32
}

// Result is one ranked hit.
type Result struct {
	DatasetId core.ID
	Point     *core.DataPoint
	Score     float32
	// Edges and Related are filled by the graph strategy: the edges incident
	// to Point and the points at their other ends.
	Edges   []*core.Edge
	Related []*core.DataPoint
}

// Searcher answers queries over the datasets a user can read.
type Searcher struct {
	reader   Reader
	datasets DatasetLister
	embedder ai.Embedder
	minScore float32
	logger   *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithMinScore sets the similarity threshold of vector strategies.
// Default is 0.60.
func WithMinScore(score float32) Option {
	return func(s *Searcher) error {
		if score < -1 || score > 1 {
			return core.NewValidationError("min_score", "must be within [-1, 1]")
		}
		s.minScore = score
		return nil
	}
}

// NewSearcher creates a searcher. embedder may be nil, in which case only
// the lexical strategy is available.
func NewSearcher(reader Reader, datasets DatasetLister, embedder ai.Embedder, opts ...Option) (*Searcher, error) {
	if reader == nil {
		return nil, ErrReaderRequired
	}
	if datasets == nil {
		return nil, ErrDatasetsRequired
	}

	s := &Searcher{
		reader:   reader,
		datasets: datasets,
		embedder: embedder,
		minScore: defaultMinScore,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "search")
	return s, nil
}

// Search runs q for user and returns up to q.Limit results, best first.
func (s *Searcher) Search(ctx context.Context, user core.ID, q Query) ([]*Result, error) {
	return s.SearchWithMonitor(ctx, user, q, nil)
}

// SearchWithMonitor is Search with callbacks at each stage.
func (s *Searcher) SearchWithMonitor(ctx context.Context, user core.ID, q Query, monitor SearchMonitor) ([]*Result, error) {
	if monitor == nil {
		monitor = &noopMonitor{}
	}
	q, err := s.normalize(q)
	if err != nil {
		return nil, err
	}
	monitor.Start(q)

	datasets := q.Datasets
	if len(datasets) == 0 {
		if datasets, err = s.datasets.AuthorizedDatasets(ctx, user, core.PermissionRead); err != nil {
			return nil, fmt.Errorf("list readable datasets: %w", err)
		}
	}
	monitor.AfterDatasetResolution(datasets)
	if len(datasets) == 0 {
		monitor.Finish(nil)
		return []*Result{}, nil
	}

	var vector []float32
	if q.Strategy != StrategyLexical {
		if vector, err = s.embedder.EmbedText(ctx, q.Text); err != nil {
			s.logger.Error("error generating embedding for query", "err", err)
			return nil, err
		}
	}

	var results []*Result
	for _, datasetID := range datasets {
		var found []*Result
		switch q.Strategy {
		case StrategyChunks:
			found, err = s.searchChunks(ctx, user, datasetID, q, vector, monitor)
		case StrategyGraph:
			found, err = s.searchGraph(ctx, user, datasetID, q, vector, monitor)
		case StrategyLexical:
			found, err = s.searchLexical(ctx, user, datasetID, q, monitor)
		}
		if err != nil {
			return nil, fmt.Errorf("search dataset %s: %w", datasetID, err)
		}
		results = append(results, found...)
	}

	rank(results)
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	monitor.Finish(results)
	s.logger.Debug("search finished", "strategy", q.Strategy, "datasets", len(datasets), "results", len(results))
	return results, nil
}

func (s *Searcher) normalize(q Query) (Query, error) {
	if strings.TrimSpace(q.Text) == "" {
		return q, core.NewValidationError("query", "must not be empty")
	}
	if q.Strategy == "" {
		q.Strategy = StrategyChunks
	}
	switch q.Strategy {
	case StrategyChunks, StrategyGraph:
		if s.embedder == nil {
			return q, fmt.Errorf("%s search: %w", q.Strategy, ErrEmbedderRequired)
		}
	case StrategyLexical:
	default:
		return q, core.NewValidationError("strategy", fmt.Sprintf("unknown strategy %q", q.Strategy))
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	q.Limit = min(q.Limit, maxLimit)
	if q.MinScore <= 0 {
		q.MinScore = s.minScore
	}
	return q, nil
}

// similar runs a vector search and keeps the hits of type typ.
func (s *Searcher) similar(ctx context.Context, user, datasetID core.ID, q Query, vector []float32, typ string, monitor SearchMonitor) (map[core.ID]float32, []core.ID, error) {
	hits, err := s.reader.SearchSimilar(ctx, user, datasetID, vector, q.Limit*overfetch, q.MinScore)
	if err != nil {
		return nil, nil, err
	}
	monitor.AfterVectorSearch(datasetID, hits)

	scores := make(map[core.ID]float32, len(hits))
	var ids []core.ID
	for _, hit := range hits {
		if hit.Record.Type != typ {
			continue
		}
		scores[hit.Record.Id] = hit.Score
		ids = append(ids, hit.Record.Id)
	}
	return scores, ids, nil
}

func (s *Searcher) searchChunks(ctx context.Context, user, datasetID core.ID, q Query, vector []float32, monitor SearchMonitor) ([]*Result, error) {
	scores, ids, err := s.similar(ctx, user, datasetID, q, vector, core.TypeChunk, monitor)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	points, err := s.reader.GetMany(ctx, user, datasetID, ids)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, 0, len(points))
	for _, dp := range points {
		score := scores[dp.Id]
		if containsAllQueryWords(dp.IndexText(), q.Text) {
			score += verbatimBoost
		}
		results = append(results, &Result{DatasetId: datasetID, Point: dp, Score: score})
	}
	return results, nil
}

func (s *Searcher) searchGraph(ctx context.Context, user, datasetID core.ID, q Query, vector []float32, monitor SearchMonitor) ([]*Result, error) {
	scores, seeds, err := s.similar(ctx, user, datasetID, q, vector, core.TypeEntity, monitor)
	if err != nil || len(seeds) == 0 {
		return nil, err
	}
	edges, err := s.reader.Neighbors(ctx, user, datasetID, seeds)
	if err != nil {
		return nil, err
	}
	monitor.AfterExpansion(datasetID, edges)

	incident := make(map[core.ID][]*core.Edge, len(seeds))
	ids := slices.Clone(seeds)
	for _, e := range edges {
		for _, end := range []core.ID{e.SourceId, e.TargetId} {
			if _, ok := scores[end]; ok {
				incident[end] = append(incident[end], e)
			} else if !slices.Contains(ids, end) {
				ids = append(ids, end)
			}
		}
	}
	points, err := s.reader.GetMany(ctx, user, datasetID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[core.ID]*core.DataPoint, len(points))
	for _, dp := range points {
		byID[dp.Id] = dp
	}

	results := make([]*Result, 0, len(seeds))
	for _, id := range seeds {
		dp, ok := byID[id]
		if !ok {
			continue
		}
		r := &Result{DatasetId: datasetID, Point: dp, Score: scores[id], Edges: incident[id]}
		for _, e := range incident[id] {
			other := e.TargetId
			if other == id {
				other = e.SourceId
			}
			if related, ok := byID[other]; ok && !slices.Contains(r.Related, related) {
				r.Related = append(r.Related, related)
			}
		}
		if containsAllQueryWords(dp.IndexText(), q.Text) {
			r.Score += verbatimBoost
		}
		for _, related := range r.Related {
			// A chunk mentioning every query word is strong evidence for the entity.
			if related.Type == core.TypeChunk && containsAllQueryWords(related.IndexText(), q.Text) {
				r.Score += verbatimBoost * neighborWeight
				break
			}
		}
		results = append(results, r)
	}
	return results, nil
}

func (s *Searcher) searchLexical(ctx context.Context, user, datasetID core.ID, q Query, monitor SearchMonitor) ([]*Result, error) {
	words := keywords(q.Text)
	candidates := make(map[core.ID]*core.DataPoint)
	for _, word := range words {
		points, err := s.reader.Filter(ctx, user, datasetID, storage.Filter{
			Types:        []string{core.TypeChunk, core.TypeEntity},
			TextContains: word,
			Limit:        lexicalPage,
		})
		if err != nil {
			return nil, err
		}
		for _, dp := range points {
			candidates[dp.Id] = dp
		}
	}
	monitor.AfterKeywordMatch(datasetID, words, len(candidates))

	results := make([]*Result, 0, len(candidates))
	for _, dp := range candidates {
		score := keywordCoverage(dp.IndexText(), words)
		if score == 0 {
			continue
		}
		if score == 1 {
			score += verbatimBoost
		}
		results = append(results, &Result{DatasetId: datasetID, Point: dp, Score: score})
	}
	return results, nil
}

// rank sorts results by score, highest first, with ties broken by id so the
// order is stable across runs.
func rank(results []*Result) {
	slices.SortFunc(results, func(a, b *Result) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return bytes.Compare(a.Point.Id[:], b.Point.Id[:])
	})
}

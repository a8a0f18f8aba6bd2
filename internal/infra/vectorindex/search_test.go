package vectorindex

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"orchd/internal/domain"
)

func testTools() []domain.DiscoveredTool {
	return []domain.DiscoveredTool{
		{Ref: domain.ToolRef{Server: "files", Method: "read"}, Description: "read a file from the workspace"},
		{Ref: domain.ToolRef{Server: "files", Method: "list"}, Description: "list files in a directory"},
		{Ref: domain.ToolRef{Server: "files", Method: "write"}, Description: "write a file to the workspace"},
		{Ref: domain.ToolRef{Server: "github", Method: "create_issue"}, Description: "create a github issue"},
		{Ref: domain.ToolRef{Server: "github", Method: "list_issues"}, Description: "list github issues"},
		{Ref: domain.ToolRef{Server: "weather", Method: "forecast"}, Description: "weather forecast for a city"},
	}
}

func newTestSearcher(t *testing.T, opts SearcherOptions) *Searcher {
	t.Helper()
	ix, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	embedder := NewDeterministicEmbedder(64)
	require.NoError(t, ix.Rebuild(context.Background(), embedder, testTools()))
	return NewSearcher(ix, embedder, opts)
}

func TestSearchRanksRelevantFirst(t *testing.T) {
	s := newTestSearcher(t, SearcherOptions{})

	candidates, err := s.Search(context.Background(), "list files in a directory")
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	require.Equal(t, "files", candidates[0].Server)
	require.Equal(t, "list", candidates[0].Method)

	// Ordered best-first.
	for i := 1; i < len(candidates); i++ {
		require.GreaterOrEqual(t, candidates[i-1].Score, candidates[i].Score)
	}
}

func TestSearchCapsCandidates(t *testing.T) {
	s := newTestSearcher(t, SearcherOptions{MaxCandidates: 2})

	candidates, err := s.Search(context.Background(), "files")
	require.NoError(t, err)
	require.LessOrEqual(t, len(candidates), 2)
}

func TestSearchEmptyCorpus(t *testing.T) {
	ix, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	embedder := NewDeterministicEmbedder(64)
	s := NewSearcher(ix, embedder, SearcherOptions{})

	candidates, err := s.Search(context.Background(), "anything")
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestSearchDeduplicatesNearIdentical(t *testing.T) {
	tools := []domain.DiscoveredTool{
		{Ref: domain.ToolRef{Server: "files_a", Method: "read"}, Description: "read a file from the workspace"},
		{Ref: domain.ToolRef{Server: "files_b", Method: "read"}, Description: "read a file from the workspace"},
		{Ref: domain.ToolRef{Server: "weather", Method: "forecast"}, Description: "weather forecast for a city"},
	}
	ix, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	embedder := NewDeterministicEmbedder(64)
	require.NoError(t, ix.Rebuild(context.Background(), embedder, tools))
	s := NewSearcher(ix, embedder, SearcherOptions{ClusterThreshold: 0.95})

	candidates, err := s.Search(context.Background(), "read a file")
	require.NoError(t, err)

	// The two identical read tools collapse into one candidate.
	reads := 0
	for _, c := range candidates {
		if c.Method == "read" {
			reads++
		}
	}
	require.Equal(t, 1, reads)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding backend down")
}
func (failingEmbedder) Dimension() int { return 8 }

func TestSearchEmbedFailure(t *testing.T) {
	ix, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	s := NewSearcher(ix, failingEmbedder{}, SearcherOptions{})
	_, err = s.Search(context.Background(), "task")
	var cerr *domain.CollaboratorError
	require.True(t, errors.As(err, &cerr))
	require.Equal(t, domain.CollaboratorEmbedder, cerr.Which)
}

func TestProbeTopHit(t *testing.T) {
	s := newTestSearcher(t, SearcherOptions{})

	hit, ok := s.Probe(context.Background(), "weather forecast for a city")
	require.True(t, ok)
	require.Equal(t, "weather", hit.Server)
	require.Equal(t, "forecast", hit.Method)
	require.Greater(t, hit.Score, 0.5)
}

func TestProbeEmptyCorpus(t *testing.T) {
	ix, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	s := NewSearcher(ix, NewDeterministicEmbedder(64), SearcherOptions{})
	_, ok := s.Probe(context.Background(), "anything")
	require.False(t, ok)
}

func TestRebuildReplacesCorpus(t *testing.T) {
	ix, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	embedder := NewDeterministicEmbedder(64)
	require.NoError(t, ix.Rebuild(context.Background(), embedder, testTools()))
	require.NoError(t, ix.Rebuild(context.Background(), embedder, []domain.DiscoveredTool{
		{Ref: domain.ToolRef{Server: "solo", Method: "only"}, Description: "the only tool"},
	}))

	s := NewSearcher(ix, embedder, SearcherOptions{})
	candidates, err := s.Search(context.Background(), "the only tool")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, "solo", candidates[0].Server)
}

func TestDeterministicEmbedderProperties(t *testing.T) {
	e := NewDeterministicEmbedder(32)

	a1, err := e.Embed(context.Background(), "list files in a directory")
	require.NoError(t, err)
	a2, err := e.Embed(context.Background(), "list files in a directory")
	require.NoError(t, err)
	require.Equal(t, a1, a2)

	b, err := e.Embed(context.Background(), "create a github issue")
	require.NoError(t, err)

	require.Greater(t, cosine(a1, a2), 0.999)
	require.Less(t, cosine(a1, b), cosine(a1, a2))
}

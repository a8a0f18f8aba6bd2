package upstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"orchd/internal/domain"
)

func TestInvokeUnknownServer(t *testing.T) {
	m := NewManager([]domain.ServerSpec{{Name: "files", Command: "true"}}, nil)

	_, err := m.Invoke(context.Background(), "nope", "read", nil)
	require.ErrorIs(t, err, domain.ErrToolNotFound)
}

// A hung dial to one server must not stall calls to another; the dial
// happens outside the session map's lock.
func TestSessionDialDoesNotBlockOtherServers(t *testing.T) {
	m := NewManager([]domain.ServerSpec{
		{Name: "slow", Command: "sleep", Args: []string{"10"}},
		{Name: "bad", Command: "/nonexistent-orchd-test-binary"},
	}, nil)
	m.dialTimeout = 2 * time.Second

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		_, _ = m.session(context.Background(), "slow")
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	begin := time.Now()
	_, err := m.session(context.Background(), "bad")
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	require.Less(t, time.Since(begin), time.Second, "dial to bad server waited on the slow one")

	<-done
}

// Concurrent callers of the same server share one dial attempt.
func TestSessionConcurrentDialsShareResult(t *testing.T) {
	m := NewManager([]domain.ServerSpec{
		{Name: "bad", Command: "/nonexistent-orchd-test-binary"},
	}, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.session(context.Background(), "bad")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	}
}

func TestDecodeResultStructured(t *testing.T) {
	out, err := decodeResult(&mcp.CallToolResult{
		StructuredContent: map[string]any{"count": 3},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"count": 3}, out)
}

func TestDecodeResultScalarStructured(t *testing.T) {
	out, err := decodeResult(&mcp.CallToolResult{StructuredContent: "plain"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"result": "plain"}, out)
}

func TestDecodeResultJSONText(t *testing.T) {
	out, err := decodeResult(&mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: `{"status": "ok"}`}},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"status": "ok"}, out)
}

func TestDecodeResultPlainText(t *testing.T) {
	out, err := decodeResult(&mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "hello "}, &mcp.TextContent{Text: "world"}},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"text": "hello world"}, out)
}

func TestFormatEnv(t *testing.T) {
	env := formatEnv(map[string]string{"A": "1"})
	require.Equal(t, []string{"A=1"}, env)
}

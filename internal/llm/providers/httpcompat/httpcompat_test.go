package httpcompat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aventura-engine/aventura/internal/llm"
)

// TestMain verifies Stream's SSE line-reader goroutine never outlives the
// httptest server it reads from, including on the malformed-line and
// stops-at-done paths exercised below.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCompleteParsesOpenAIShapedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"a wizard appears"},"finish_reason":"stop"}],"model":"gpt-4o-mini","usage":{"prompt_tokens":10,"completion_tokens":4}}`)
	}))
	defer srv.Close()

	p, err := New("openai-compat", map[string]string{"api_key": "k", "base_url": srv.URL})
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "go north"}}})
	require.NoError(t, err)
	require.Equal(t, "a wizard appears", resp.Text)
	require.Equal(t, "stop", resp.FinishReason)
	require.Equal(t, 4, resp.OutputTokens)
}

func TestStreamSkipsMalformedLinesAndStopsAtDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"choices":[{"delta":{"content":"The "}}]}`,
			`: keep-alive comment, not a data line`,
			`not-even-close-to-sse`,
			`data: {"choices":[{"delta":{"content":"door creaks."}}]}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n", l)
		}
	}))
	defer srv.Close()

	p, err := New("openai-compat", map[string]string{"api_key": "k", "base_url": srv.URL})
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "go north"}}})
	require.NoError(t, err)

	var text string
	var done bool
	for chunk := range ch {
		text += chunk.Delta
		if chunk.Done {
			done = true
		}
	}

	require.True(t, done)
	require.Equal(t, "The door creaks.", text)
}

func TestCompleteWithToolsReturnsParsedArguments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"tool_calls":[{"function":{"name":"classify","arguments":"{\"mood\":\"tense\"}"}}]}}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`)
	}))
	defer srv.Close()

	p, err := New("openai-compat", map[string]string{"api_key": "k", "base_url": srv.URL})
	require.NoError(t, err)

	resp, err := p.CompleteWithTools(context.Background(), llm.ToolCompletionRequest{
		CompletionRequest: llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "narration"}}},
		Tools:             []llm.Tool{{Name: "classify", Schema: map[string]any{"type": "object"}}},
		ToolName:          "classify",
	})
	require.NoError(t, err)
	require.Equal(t, "classify", resp.Call.Name)
	require.Equal(t, "tense", resp.Call.Arguments["mood"])
}

func TestCompleteFailsOn4xxWithoutRetry(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p, err := New("openai-compat", map[string]string{"api_key": "k", "base_url": srv.URL})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "go north"}}})
	require.Error(t, err)
	require.Equal(t, 1, attempts) // 4xx is not retried
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New("openai-compat", map[string]string{})
	require.Error(t, err)
}

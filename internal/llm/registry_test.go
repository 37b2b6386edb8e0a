package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct{ name string }

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Complete(context.Context, CompletionRequest) (*CompletionResponse, error) {
	return nil, nil
}
func (f *fakeProvider) Stream(context.Context, CompletionRequest) (<-chan StreamChunk, error) {
	return nil, nil
}
func (f *fakeProvider) CompleteWithTools(context.Context, ToolCompletionRequest) (*ToolCompletionResponse, error) {
	return nil, nil
}
func (f *fakeProvider) ListModels(context.Context) ([]string, error)   { return nil, nil }
func (f *fakeProvider) ValidateCredentials(context.Context) error      { return nil }

func TestRegistryGetBuildsFromFactory(t *testing.T) {
	r := NewRegistry()
	r.Register("fake", func(config map[string]string) (Provider, error) {
		return &fakeProvider{name: config["name"]}, nil
	})

	p, err := r.Get("fake", map[string]string{"name": "test-instance"})
	require.NoError(t, err)
	assert.Equal(t, "test-instance", p.Name())
}

func TestRegistryGetUnknownProvider(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestRegistryNamesListsRegistered(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func(map[string]string) (Provider, error) { return nil, nil })
	r.Register("b", func(map[string]string) (Provider, error) { return nil, nil })

	assert.ElementsMatch(t, []string{"a", "b"}, r.Names())
}

func TestTwoRegistriesAreIndependent(t *testing.T) {
	r1 := NewRegistry()
	r2 := NewRegistry()
	r1.Register("only-in-r1", func(map[string]string) (Provider, error) { return nil, nil })

	assert.Empty(t, r2.Names())
}

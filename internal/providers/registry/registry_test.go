package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"confidant/internal/providers"
	"confidant/internal/providers/anthropic_messages"
	"confidant/internal/providers/custom_http"
	"confidant/internal/providers/gemini"
	"confidant/internal/providers/openai_compat"
)

func TestBuildKinds(t *testing.T) {
	p, err := Build(BuildOptions{Kind: "openai", APIKey: "sk-test"})
	require.NoError(t, err)
	require.IsType(t, &openai_compat.Client{}, p)
	_, ok := p.(providers.ModelTester)
	require.True(t, ok)

	p, err = Build(BuildOptions{Kind: "openai_responses", APIKey: "sk-test"})
	require.NoError(t, err)
	require.IsType(t, &openai_compat.Client{}, p)

	p, err = Build(BuildOptions{Kind: "gemini", APIKey: "AIzaSyTESTKEY-0123456789"})
	require.NoError(t, err)
	require.IsType(t, &gemini.Client{}, p)

	p, err = Build(BuildOptions{Kind: "anthropic", APIKey: "sk-ant"})
	require.NoError(t, err)
	require.IsType(t, &anthropic_messages.Client{}, p)

	p, err = Build(BuildOptions{Kind: "custom_http", BaseURL: "http://localhost:8080/chat"})
	require.NoError(t, err)
	require.IsType(t, &custom_http.Client{}, p)
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(BuildOptions{Kind: "gemini", APIKey: "short"})
	require.ErrorIs(t, err, gemini.ErrMalformedKey)

	_, err = Build(BuildOptions{Kind: "custom_http"})
	require.Error(t, err)

	_, err = Build(BuildOptions{Kind: "llamafile"})
	require.ErrorContains(t, err, "unsupported provider kind")
}

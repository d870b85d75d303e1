package lorem

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chatstream "github.com/draftmill/chatstream-go"
)

func TestAdapterVendor(t *testing.T) {
	assert.Equal(t, chatstream.VendorLorem, New().Vendor())
}

func TestAdapterSupportsModel(t *testing.T) {
	adapter := New()

	tests := []struct {
		model    string
		expected bool
	}{
		{"lorem-fast", true},
		{"lorem-instant", true},
		{"gpt-4o", false},
		{"claude-sonnet-4-5", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.expected, adapter.SupportsModel(tt.model))
		})
	}
}

func TestOpenStreamRejectsUnknownModel(t *testing.T) {
	_, err := New().OpenStream(context.Background(), &chatstream.StreamRequest{Model: "gpt-4o"})
	require.Error(t, err)
}

func TestStreamYieldsContentThenUsage(t *testing.T) {
	stream, err := New().OpenStream(context.Background(), &chatstream.StreamRequest{
		Model:     "lorem-instant",
		MaxTokens: 10,
		Messages:  []chatstream.Message{{Role: chatstream.RoleUser, Content: "write three words"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	var contents []string
	var usage *chatstream.VendorUsage
	for stream.Next() {
		chunk := stream.Current()
		if chunk.HasContent {
			assert.Nil(t, usage, "content must not follow the usage chunk")
			contents = append(contents, chunk.Content)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	require.NoError(t, stream.Err())

	assert.Len(t, contents, 10)
	assert.NotEmpty(t, strings.TrimSpace(strings.Join(contents, "")))

	require.NotNil(t, usage, "the stream must end with a usage payload")
	assert.Equal(t, 10, usage.CompletionTokens)
	assert.Equal(t, 3, usage.PromptTokens)
	assert.Equal(t, 13, usage.TotalTokens)
}

func TestStreamHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := New().OpenStream(ctx, &chatstream.StreamRequest{
		Model:     "lorem-slow",
		MaxTokens: 5,
	})
	require.NoError(t, err)
	defer stream.Close()

	cancel()
	for stream.Next() {
	}
	assert.ErrorIs(t, stream.Err(), context.Canceled)
}

package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New("fence import failed")
	require.NotNil(t, err)
	assert.Equal(t, "fence import failed", err.Error())
}

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestWrapfPreservesSentinel(t *testing.T) {
	sentinel := New("too many layers")
	wrapped := Wrapf(sentinel, "client %s", "abc")

	assert.True(t, Is(wrapped, sentinel))
	assert.Contains(t, wrapped.Error(), "client abc")
}

func TestHintsAndDetails(t *testing.T) {
	err := New("base")
	err = WithHint(err, "lower the layer count")
	err = WithDetail(err, "frame_id=7")

	assert.Equal(t, []string{"lower the layer count"}, GetAllHints(err))
	assert.Equal(t, []string{"frame_id=7"}, GetAllDetails(err))
}

package apierror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIs(t *testing.T) {
	a := New(ItemNotFound)
	b := New(ItemNotFound)
	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, New(ItemExists)))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(Error, cause, "upload failed")
	assert.Contains(t, e.Error(), "boom")
	assert.ErrorIs(t, e, cause)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, New(PermissionDenied).IsTerminal())
	assert.True(t, New(IncompatibleVersion).IsTerminal())
	assert.False(t, New(DownloadStopped).IsTerminal())
	assert.False(t, New(ItemNotFound).IsTerminal())
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Success, CodeOf(nil))
	assert.Equal(t, ItemExists, CodeOf(New(ItemExists)))
	assert.Equal(t, Error, CodeOf(errors.New("plain")))
}

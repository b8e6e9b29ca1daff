package metadata

import (
	"testing"

	"github.com/BlockStorage1/repertory-sub002/internal/apierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservedRemovalForbidden(t *testing.T) {
	m := New()
	m[KeySize] = "123"
	err := m.Remove(KeySize)
	require.NotNil(t, err)
	assert.Equal(t, apierror.PermissionDenied, err.Code)
	assert.Equal(t, "123", m[KeySize])
}

func TestExtendedRoundTrip(t *testing.T) {
	m := New()
	require.Nil(t, m.SetExtended("user.comment", []byte("hello")))
	got, err := m.GetExtended("user.comment")
	require.Nil(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestExtendedCannotShadowReserved(t *testing.T) {
	m := New()
	err := m.SetExtended(KeyPinned, []byte("x"))
	require.NotNil(t, err)
	assert.Equal(t, apierror.PermissionDenied, err.Code)
}

func TestPinned(t *testing.T) {
	m := New()
	assert.False(t, m.Pinned())
	m.SetPinned(true)
	assert.True(t, m.Pinned())
	m.SetPinned(false)
	assert.False(t, m.Pinned())
}

func TestCloneIsIndependent(t *testing.T) {
	m := New()
	m[KeySize] = "1"
	clone := m.Clone()
	clone[KeySize] = "2"
	assert.Equal(t, "1", m[KeySize])
}

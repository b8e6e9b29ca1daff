package apipath

import "testing"

import "github.com/stretchr/testify/assert"

func TestFormat(t *testing.T) {
	cases := map[string]string{
		"":               "/",
		"/":              "/",
		"a":              "/a",
		"/a/b":           "/a/b",
		"a\\b\\c":        "/a/b/c",
		"//a///b//":      "/a/b",
		"/a/b/":          "/a/b",
		"\\\\a\\\\b\\\\": "/a/b",
	}
	for in, want := range cases {
		assert.Equal(t, want, Format(in), "input %q", in)
	}
}

func TestParentAndName(t *testing.T) {
	assert.Equal(t, "/", Parent("/a"))
	assert.Equal(t, "/a", Parent("/a/b"))
	assert.Equal(t, "/", Parent("/"))
	assert.Equal(t, "b", Name("/a/b"))
	assert.Equal(t, "", Name("/"))
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "/a/b", Join("/a", "b"))
	assert.Equal(t, "/b", Join("/", "b"))
}

func TestIsParentOf(t *testing.T) {
	assert.True(t, IsParentOf("/a", "/a/b"))
	assert.True(t, IsParentOf("/", "/a"))
	assert.False(t, IsParentOf("/a", "/ab"))
	assert.False(t, IsParentOf("/a/b", "/a/b"))
}

func TestReparent(t *testing.T) {
	assert.Equal(t, "/new", Reparent("/old", "/new", "/old"))
	assert.Equal(t, "/new/c.txt", Reparent("/old", "/new", "/old/c.txt"))
	assert.Equal(t, "/new/sub/d.txt", Reparent("/old", "/new", "/old/sub/d.txt"))
}

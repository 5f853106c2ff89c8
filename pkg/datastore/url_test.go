package datastore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://github.com/a/b", "https://github.com/a/b", true},
		{"https://github.com/a/b.git", "https://github.com/a/b", true},
		{"https://GitHub.com/a/b.git/", "https://github.com/a/b", true},
		{"  https://github.com/a/b \n", "https://github.com/a/b", true},
		{"https://gitlab.com/group/sub/repo", "https://gitlab.com/group/sub/repo", true},
		{"", "", false},
		{"not a url", "", false},
		{"https://github.com", "", false},
	}
	for _, c := range cases {
		got, ok := normalizeURL(c.in)
		require.Equal(t, c.ok, ok, "input %q", c.in)
		if ok {
			require.Equal(t, c.want, got, "input %q", c.in)
		}
	}
}

func TestLocatorFromURL(t *testing.T) {
	require.Equal(t, "a/b", locatorFromURL("https://github.com/a/b"))
	require.Equal(t, "group/sub/repo", locatorFromURL("https://gitlab.com/group/sub/repo"))
}

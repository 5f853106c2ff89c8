package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRewriteShortFlags(t *testing.T) {
	cases := []struct {
		in   []string
		want []string
	}{
		{
			[]string{"add", "-ds", "/srv/codedj", "https://github.com/a/b"},
			[]string{"add", "--datastore", "/srv/codedj", "https://github.com/a/b"},
		},
		{
			[]string{"update-all", "-ds=/srv/codedj", "-ght=/srv/tokens.csv", "-n", "4"},
			[]string{"update-all", "--datastore=/srv/codedj", "--github-tokens=/srv/tokens.csv", "-n", "4"},
		},
		{
			[]string{"update-project", "-ght", "tokens.csv", "a/b", "--force"},
			[]string{"update-project", "--github-tokens", "tokens.csv", "a/b", "--force"},
		},
		{
			[]string{"summary", "--datastore", "/srv/codedj", "-v"},
			[]string{"summary", "--datastore", "/srv/codedj", "-v"},
		},
	}
	for _, c := range cases {
		require.Equal(t, c.want, rewriteShortFlags(c.in))
	}
}

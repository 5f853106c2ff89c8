package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/codedj/pkg/codedjerr"
)

func writeTokensCSV(t *testing.T, tokens ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.csv")
	content := "token\n"
	for _, tok := range tokens {
		content += tok + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesHeaderedCSV(t *testing.T) {
	p, err := Load(writeTokensCSV(t, "ghp_tokenone12345", "ghp_tokentwo67890"), "")
	require.NoError(t, err)
	defer p.Close()
	require.Equal(t, 2, p.Len())
}

func TestCheckoutNeverHandsOutSameTokenTwice(t *testing.T) {
	p, err := Load(writeTokensCSV(t, "ghp_tokenone12345", "ghp_tokentwo67890"), "")
	require.NoError(t, err)
	defer p.Close()

	tok1, err := p.Checkout(context.Background())
	require.NoError(t, err)
	tok2, err := p.Checkout(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, tok1, tok2)

	p.Return(tok1)
	tok3, err := p.Checkout(context.Background())
	require.NoError(t, err)
	require.Equal(t, tok1, tok3)
}

func TestCheckoutBlocksUntilResetPasses(t *testing.T) {
	p, err := Load(writeTokensCSV(t, "ghp_tokenone12345"), "")
	require.NoError(t, err)
	defer p.Close()

	tok, err := p.Checkout(context.Background())
	require.NoError(t, err)
	p.Update(tok, 0, time.Now().Add(150*time.Millisecond))
	p.Return(tok)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	again, err := p.Checkout(ctx)
	require.NoError(t, err)
	require.Equal(t, tok, again)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestCheckoutHonorsCancellationWhileExhausted(t *testing.T) {
	p, err := Load(writeTokensCSV(t, "ghp_tokenone12345"), "")
	require.NoError(t, err)
	defer p.Close()

	tok, err := p.Checkout(context.Background())
	require.NoError(t, err)
	p.Update(tok, 0, time.Now().Add(time.Hour))
	p.Return(tok)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Checkout(ctx)
	kind, ok := codedjerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, codedjerr.Cancelled, kind)
}

func TestQuotaSurvivesReload(t *testing.T) {
	csvPath := writeTokensCSV(t, "ghp_tokenone12345")
	dbPath := filepath.Join(t.TempDir(), "credentials.db")

	p, err := Load(csvPath, dbPath)
	require.NoError(t, err)
	resetAt := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	p.Update("ghp_tokenone12345", 42, resetAt)
	require.NoError(t, p.Close())

	reloaded, err := Load(csvPath, dbPath)
	require.NoError(t, err)
	defer reloaded.Close()

	reloaded.mu.Lock()
	q := reloaded.tokens["ghp_tokenone12345"]
	reloaded.mu.Unlock()
	require.Equal(t, 42, q.RemainingRequests)
	require.True(t, q.ResetAt.Equal(resetAt))
}

func TestAnonymousPoolHasOneToken(t *testing.T) {
	p := Anonymous()
	defer p.Close()
	require.Equal(t, 1, p.Len())

	tok, err := p.Checkout(context.Background())
	require.NoError(t, err)
	require.Empty(t, tok)
}

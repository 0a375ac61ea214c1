package trawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateURL(t *testing.T) {
	require.NoError(t, ValidateURL("https://example.com/docs"))
	require.NoError(t, ValidateURL("http://example.com:8080/"))

	for _, bad := range []string{"ftp://example.com", "example.com/docs", "https://", "://nope"} {
		err := ValidateURL(bad)
		require.Error(t, err, "url %q", bad)
		require.Equal(t, KindValidation, KindOf(err))
	}
}

func TestNormalizeURLStripsOnlyFragment(t *testing.T) {
	got, err := NormalizeURL("https://example.com/docs/?b=2&a=1#section")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/docs/?b=2&a=1", got)

	got, err = NormalizeURL("https://example.com/docs/")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/docs/", got)
}

// Anchor-only variants of the same page must collapse to a single entry.
func TestResolveURLFragmentVariants(t *testing.T) {
	base := "https://example.com/docs/"
	variants := []string{"#anchor", "/docs/#anchor", "https://example.com/docs/#anchor", "https://example.com/docs/"}

	seen := map[string]struct{}{}
	for _, v := range variants {
		abs, err := ResolveURL(base, v)
		require.NoError(t, err)
		seen[abs] = struct{}{}
	}
	require.Len(t, seen, 1)
	_, ok := seen["https://example.com/docs/"]
	require.True(t, ok)
}

func TestResolveURLRelativePaths(t *testing.T) {
	abs, err := ResolveURL("https://example.com/a/b/", "../c")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/a/c", abs)
}

func TestClassifyLink(t *testing.T) {
	cases := []struct {
		link string
		want LinkType
	}{
		{"/relative/path", LinkInternal},
		{"https://example.com/page", LinkInternal},
		{"https://docs.example.com/page", LinkSubdomain},
		{"https://other.org/page", LinkExternal},
		{"https://EXAMPLE.com/Upper", LinkInternal},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ClassifyLink("example.com", tc.link), "link %q", tc.link)
	}
	require.Equal(t, LinkInternal, ClassifyLink("example.com:8080", "https://example.com/x"))
}

func TestCacheKeyInputIgnoresIrrelevantOptions(t *testing.T) {
	a := DefaultScrapeOptions()
	b := DefaultScrapeOptions()
	b.Timeout = a.Timeout * 2
	b.UserAgent = "other"
	b.RetryCount = 9

	require.Equal(t, CacheKeyInput("https://example.com", a), CacheKeyInput("https://example.com", b))

	b.CSSSelector = "article"
	require.NotEqual(t, CacheKeyInput("https://example.com", a), CacheKeyInput("https://example.com", b))
}

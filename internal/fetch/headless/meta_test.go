package headless

import (
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/trawlerhq/trawler/internal/trawler"
)

func TestResponseMetaCapturesDocumentOnly(t *testing.T) {
	meta := newResponseMeta()

	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{URL: "https://example.com/logo.png", Status: 200},
	})
	require.Zero(t, meta.status("https://example.com/"))

	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{URL: "https://example.com/", Status: 200},
	})
	require.Equal(t, 200, meta.status("https://example.com/"))
}

func TestResponseMetaRedirectFallback(t *testing.T) {
	meta := newResponseMeta()

	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{URL: "https://example.com/final", Status: 404},
	})

	// Requested URL never produced a document response; fall back to the
	// first document seen.
	require.Equal(t, 404, meta.status("https://example.com/start"))
}

func TestKindForStatusHeadless(t *testing.T) {
	require.Equal(t, trawler.KindRateLimit, kindForStatus(429))
	require.Equal(t, trawler.KindTimeout, kindForStatus(504))
	require.Equal(t, trawler.KindNetwork, kindForStatus(500))
	require.Equal(t, trawler.KindExtraction, kindForStatus(403))
}

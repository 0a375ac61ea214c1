package trawler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindRetryable(t *testing.T) {
	retryable := []Kind{KindNetwork, KindTimeout, KindResource, KindRateLimit}
	for _, k := range retryable {
		require.True(t, k.Retryable(), "kind %s", k)
	}
	terminal := []Kind{KindValidation, KindExtraction, KindConfiguration}
	for _, k := range terminal {
		require.False(t, k.Retryable(), "kind %s", k)
	}
}

func TestKindOfWrappedError(t *testing.T) {
	err := fmt.Errorf("outer: %w", E("fetch page", KindTimeout, errors.New("deadline hit")))
	require.Equal(t, KindTimeout, KindOf(err))
	require.True(t, Retryable(err))
}

func TestKindOfContextErrors(t *testing.T) {
	require.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	require.False(t, Retryable(context.Canceled))
}

func TestClassifyMessage(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"connection refused", KindNetwork},
		{"dial tcp: i/o timeout", KindTimeout},
		{"DNS lookup failed", KindNetwork},
		{"TLS handshake error", KindNetwork},
		{"server returned 503", KindNetwork},
		{"rate limit exceeded", KindRateLimit},
		{"selector matched no nodes", KindExtraction},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ClassifyMessage(tc.msg), "message %q", tc.msg)
	}
}

func TestIsRedirectLoop(t *testing.T) {
	require.True(t, IsRedirectLoop("page hit a redirect loop"))
	require.True(t, IsRedirectLoop("stopped after too many redirects"))
	require.True(t, IsRedirectLoop("net::ERR_TOO_MANY_REDIRECTS"))
	require.False(t, IsRedirectLoop("connection reset during redirect loop"))
	require.False(t, IsRedirectLoop("connection refused"))
	require.False(t, IsRedirectLoop("selector matched no nodes"))
}

func TestErrorFormatting(t *testing.T) {
	err := Errorf("submit job", KindValidation, "no handler for type %q", "bogus")
	require.EqualError(t, err, `submit job: no handler for type "bogus"`)

	var te *Error
	require.ErrorAs(t, fmt.Errorf("wrap: %w", err), &te)
	require.Equal(t, KindValidation, te.Kind)
}

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NewUnknownDomainError("x.example"), http.StatusNotFound},
		{NewRateLimitError(3, time.Second), http.StatusTooManyRequests},
		{NewAuthError("missing token"), http.StatusUnauthorized},
		{NewNoHealthyNodeError("ccc.xbyct.net"), http.StatusBadGateway},
		{NewUpstreamUnavailableError("node5", 2, io.EOF), http.StatusBadGateway},
		{NewUpstreamTimeoutError("node5", time.Second, nil), http.StatusGatewayTimeout},
		{NewConfigError("bad %s", "thing"), http.StatusInternalServerError},
		{fmt.Errorf("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, GetHTTPStatusCode(tt.err), tt.err.Error())
	}
}

func TestErrorsIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewNoHealthyNodeError("_"))
	assert.True(t, errors.Is(err, ErrNoHealthyNode))
	assert.False(t, errors.Is(err, ErrUpstreamTimeout))
	assert.Equal(t, ErrCodeNoHealthyNode, GetErrorCode(err))
	assert.True(t, IsProxyError(err))
	assert.False(t, IsProxyError(io.EOF))
}

func TestCausePreserved(t *testing.T) {
	err := NewUpstreamUnavailableError("node1", 1, io.ErrUnexpectedEOF)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Contains(t, err.Error(), "unexpected EOF")
	assert.Equal(t, "node1", err.Metadata["node"])

	assert.Nil(t, WrapError(nil, ErrCodeInternalError, "x", "y"))
}

func TestWriteHTTP(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTP(rec, "req-1", NewUnknownDomainError("nope.example"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))

	var body Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "UNKNOWN_DOMAIN", body.Error)
	assert.Equal(t, http.StatusNotFound, body.Status)
	assert.Equal(t, "req-1", body.RequestID)
	assert.Contains(t, body.Message, "nope.example")
}

func TestWriteHTTPHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTP(rec, "", NewRateLimitError(3, time.Second).WithMetadata("retry_after", 1500*time.Millisecond))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	WriteHTTP(rec, "", NewAuthError("missing token"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
}

package tracker

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRateLimit(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "HTTP 429",
			err:  &Error{Status: http.StatusTooManyRequests, Message: "too many requests"},
			want: true,
		},
		{
			name: "rate limited code without status",
			err:  &Error{Code: CodeRateLimited, Message: "client limiter engaged"},
			want: true,
		},
		{
			name: "rate limit substring in message",
			err:  &Error{Status: http.StatusBadRequest, Message: "Rate Limit exceeded for project"},
			want: true,
		},
		{
			name: "rate limit substring in plain error",
			err:  errors.New("upstream rate limit hit"),
			want: true,
		},
		{
			name: "server error is not a rate limit",
			err:  &Error{Status: http.StatusInternalServerError, Message: "boom"},
			want: false,
		},
		{
			name: "validation error is not a rate limit",
			err:  &Error{Status: http.StatusBadRequest, Message: "summary is required"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRateLimit(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "network error code",
			err:  &Error{Code: CodeNetworkError, Message: "dial tcp: timeout"},
			want: true,
		},
		{
			name: "connection reset code",
			err:  &Error{Code: CodeConnReset, Message: "read: connection reset by peer"},
			want: true,
		},
		{
			name: "500 response",
			err:  &Error{Status: http.StatusInternalServerError, Message: "internal error"},
			want: true,
		},
		{
			name: "503 response",
			err:  &Error{Status: http.StatusServiceUnavailable, Message: "maintenance"},
			want: true,
		},
		{
			name: "unstructured transport error",
			err:  errors.New("context deadline exceeded"),
			want: true,
		},
		{
			name: "400 response is fatal",
			err:  &Error{Status: http.StatusBadRequest, Message: "bad field"},
			want: false,
		},
		{
			name: "404 response is fatal",
			err:  &Error{Status: http.StatusNotFound, Message: "no such issue"},
			want: false,
		},
		{
			name: "401 response is fatal",
			err:  &Error{Status: http.StatusUnauthorized, Message: "bad token"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetryAfter(t *testing.T) {
	fallback := 60 * time.Second

	tests := []struct {
		name string
		err  error
		want time.Duration
	}{
		{
			name: "numeric header",
			err: &Error{
				Status:  http.StatusTooManyRequests,
				Headers: map[string]string{"Retry-After": "17"},
			},
			want: 17 * time.Second,
		},
		{
			name: "numeric header with whitespace",
			err: &Error{
				Status:  http.StatusTooManyRequests,
				Headers: map[string]string{"Retry-After": " 5 "},
			},
			want: 5 * time.Second,
		},
		{
			name: "missing header falls back",
			err:  &Error{Status: http.StatusTooManyRequests, Headers: map[string]string{}},
			want: fallback,
		},
		{
			name: "nil header map falls back",
			err:  &Error{Status: http.StatusTooManyRequests},
			want: fallback,
		},
		{
			name: "HTTP-date form falls back",
			err: &Error{
				Status:  http.StatusTooManyRequests,
				Headers: map[string]string{"Retry-After": "Wed, 21 Oct 2026 07:28:00 GMT"},
			},
			want: fallback,
		},
		{
			name: "negative value falls back",
			err: &Error{
				Status:  http.StatusTooManyRequests,
				Headers: map[string]string{"Retry-After": "-3"},
			},
			want: fallback,
		},
		{
			name: "plain error falls back",
			err:  errors.New("rate limit"),
			want: fallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RetryAfter(tt.err, fallback))
		})
	}
}

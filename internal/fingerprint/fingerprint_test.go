package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{
			name:    "timeout with URL, duration, and stack frame",
			message: "Timeout at https://x.y/z after 3000 ms at app.ts:12:7",
			want:    "timeout at url after n ms at location",
		},
		{
			name:    "digits collapse to single N",
			message: "expected 12345 items but found 0",
			want:    "expected n items but found n",
		},
		{
			name:    "multiple URLs",
			message: "redirect from https://a.example/login to http://b.example/home failed",
			want:    "redirect from url to url failed",
		},
		{
			name:    "stack frame with nested path",
			message: "Error at src/pages/checkout.spec.ts:88:13",
			want:    "error at location",
		},
		{
			name:    "lowercasing and trimming",
			message: "  Element NOT Found  ",
			want:    "element not found",
		},
		{
			name:    "no noise passes through",
			message: "element not found",
			want:    "element not found",
		},
		{
			name:    "empty message",
			message: "",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeError(tt.message))
		})
	}
}

// TestDerive_SeedVector pins the published fingerprint contract: MD5 hex of
// "login test|timeout at url after n ms at location|". If this test breaks,
// stored fingerprints no longer match newly derived ones.
func TestDerive_SeedVector(t *testing.T) {
	got := Derive("login test", "Timeout at https://x.y/z after 3000 ms at app.ts:12:7", "")

	assert.Equal(t, "c0b2a7c1575aac3da4bfab1477171e0c", got)
}

func TestDerive_Deterministic(t *testing.T) {
	a := Derive("checkout completes", "expected 3 items but found 0", "#cart-count")
	b := Derive("checkout completes", "expected 3 items but found 0", "#cart-count")

	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

// Messages that differ only in digits, URLs, or stack-frame locations must
// produce the same fingerprint.
func TestDerive_NoiseInvariance(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
	}{
		{
			name: "different timeout durations",
			a:    "Timeout 3000ms exceeded",
			b:    "Timeout 45000ms exceeded",
		},
		{
			name: "different URLs",
			a:    "navigation to https://staging.example.com/cart failed",
			b:    "navigation to https://prod.example.com/checkout?id=9 failed",
		},
		{
			name: "different stack locations",
			a:    "strict mode violation at login.spec.ts:10:5",
			b:    "strict mode violation at login.spec.ts:99:21",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t,
				Derive("t", tt.a, "#el"),
				Derive("t", tt.b, "#el"),
			)
		})
	}
}

func TestDerive_DistinctInputsDiffer(t *testing.T) {
	base := Derive("login", "element not found", "#submit")

	assert.NotEqual(t, base, Derive("logout", "element not found", "#submit"))
	assert.NotEqual(t, base, Derive("login", "element detached", "#submit"))
	assert.NotEqual(t, base, Derive("login", "element not found", "#cancel"))
}

func TestDerive_SelectorVector(t *testing.T) {
	assert.Equal(t, "6ca11b815f63f5fe175b06476ce7db0a", Derive("login", "element not found", "#submit"))
}

// Package fingerprint derives canonical failure fingerprints for deduplication.
//
// Different runs of the same broken test produce error messages that vary in
// noisy details: timeouts carry millisecond counts, navigation failures carry
// full URLs, stack traces carry file:line:column locations. Without
// normalization every occurrence of the same underlying failure looks unique
// and spawns its own external issue. This package strips the noise so that
// two failures with the same cause hash to the same fingerprint.
package fingerprint

import (
	"crypto/md5" //nolint:gosec // fingerprint equality only, not a security boundary
	"encoding/hex"
	"regexp"
	"strings"
)

// Normalization order matters: URLs are replaced before digit runs so that
// port numbers and path segments inside a URL collapse into the single URL
// token instead of leaving stray N placeholders behind. Stack-frame locations
// are replaced before digits for the same reason (line:column would otherwise
// normalize to N:N and never match the location pattern).
var (
	// urlPattern matches http(s) URLs up to the next whitespace.
	urlPattern = regexp.MustCompile(`https?://\S+`)

	// locationPattern matches stack-frame fragments like "at app.ts:12:7".
	locationPattern = regexp.MustCompile(`at \S+:\d+:\d+`)

	// digitPattern matches any run of decimal digits.
	digitPattern = regexp.MustCompile(`\d+`)
)

// NormalizeError canonicalizes a raw failure message.
//
// Rules, applied in order:
//  1. Every URL (http:// or https:// up to whitespace) becomes the literal "URL".
//  2. Every stack-frame location ("at <path>:<line>:<col>") becomes "at LOCATION".
//  3. Every run of decimal digits becomes the literal "N".
//  4. The result is lowercased and trimmed.
//
// The output is stable across runs: no clocks, no randomness, no environment
// dependence. Two messages that differ only in digits, URLs, or stack-frame
// locations normalize to the same string.
//
// Example:
//
//	NormalizeError("Timeout at https://x.y/z after 3000 ms at app.ts:12:7")
//	// → "timeout at url after n ms at location"
func NormalizeError(message string) string {
	normalized := urlPattern.ReplaceAllString(message, "URL")
	normalized = locationPattern.ReplaceAllString(normalized, "at LOCATION")
	normalized = digitPattern.ReplaceAllString(normalized, "N")

	return strings.TrimSpace(strings.ToLower(normalized))
}

// Derive computes the canonical fingerprint for a failure.
//
// The fingerprint is the MD5 hex digest of
// "<testName>|<normalized error>|<selector>". An absent selector and an empty
// selector are deliberately the same input: callers with no selector pass "".
//
// MD5 is used for fingerprint equality only; the algorithm is part of the
// published contract (stored fingerprints must remain comparable across
// versions), so it must not change without a data migration.
func Derive(testName, errorMessage, selector string) string {
	input := testName + "|" + NormalizeError(errorMessage) + "|" + selector
	sum := md5.Sum([]byte(input)) //nolint:gosec // see package doc

	return hex.EncodeToString(sum[:])
}

package helpers

import (
	"regexp"
	"strings"
)

// A referrer tag is "sha256-" plus the 64 hex characters of the subject
// digest, possibly with a trailing suffix appended by the signing tool.
const referrerTagLen = 71

var hexRe = regexp.MustCompile(`^[a-f0-9]{64}$`)

// IsDigest reports whether the passed string is a well-formed sha256 digest
// like sha256:44136fa355b3678a11...
func IsDigest(s string) bool {
	hex, found := strings.CutPrefix(s, "sha256:")
	return found && hexRe.MatchString(hex)
}

// GetHexFrom extracts the hex portion from a digest. Returns the empty string
// if the passed value is not a digest.
func GetHexFrom(digest string) string {
	if !IsDigest(digest) {
		return ""
	}
	return strings.TrimPrefix(digest, "sha256:")
}

// ShortDigest shortens a digest for logging since full digests clutter the log.
func ShortDigest(digest string) string {
	if hex := GetHexFrom(digest); hex != "" {
		return hex[:10]
	}
	return digest
}

// IsReferrerTag reports whether the tag names a referrer artifact, i.e. has
// the form sha256-<64 hex> with an optional suffix.
func IsReferrerTag(tag string) bool {
	if len(tag) < referrerTagLen {
		return false
	}
	hex, found := strings.CutPrefix(tag[:referrerTagLen], "sha256-")
	return found && hexRe.MatchString(hex)
}

// ReferrerSubject returns the digest a referrer tag attaches to, or the empty
// string if the tag is not a referrer tag.
func ReferrerSubject(tag string) string {
	if !IsReferrerTag(tag) {
		return ""
	}
	return "sha256:" + tag[len("sha256-"):referrerTagLen]
}

// ReferrerTagPrefix returns the tag prefix under which referrers of the
// passed digest are published.
func ReferrerTagPrefix(digest string) string {
	return "sha256-" + GetHexFrom(digest)
}

// IsReferrerTagFor reports whether the tag names a referrer of the passed
// digest. Matching is by prefix: tools may append a suffix after the hex.
func IsReferrerTagFor(tag string, digest string) bool {
	return IsReferrerTag(tag) && strings.HasPrefix(tag, ReferrerTagPrefix(digest))
}

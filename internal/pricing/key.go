package pricing

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/JakeFAU/stayprice-crawler/internal/hash/sha256"
)

var (
	spaceRun    = regexp.MustCompile(`\s+`)
	commaSpaced = regexp.MustCompile(`\s*,\s*`)
	unsafeRun   = regexp.MustCompile(`[^a-z0-9]+`)
)

// tokenDigestLen is the number of hex characters of the digest kept in tokens.
const tokenDigestLen = 12

// ValidateDestination requires a "City,Country" style value.
func ValidateDestination(destination string) error {
	canonical := CanonicalDestination(destination)
	if canonical == "" {
		return fmt.Errorf("%w: destination is required", ErrInvalidKey)
	}
	parts := strings.Split(canonical, ",")
	if len(parts) < 2 {
		return fmt.Errorf("%w: destination %q must contain a ',' separator", ErrInvalidKey, destination)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("%w: destination %q has an empty component", ErrInvalidKey, destination)
		}
	}
	return nil
}

// CanonicalDestination folds case and whitespace so that "Paris, France" and
// "paris,france" address the same entries.
func CanonicalDestination(destination string) string {
	s := strings.ToLower(strings.TrimSpace(destination))
	s = spaceRun.ReplaceAllString(s, " ")
	return commaSpaced.ReplaceAllString(s, ",")
}

// Slug returns a lossy, filesystem-safe rendering of the destination.
func Slug(destination string) string {
	slug := strings.Trim(unsafeRun.ReplaceAllString(CanonicalDestination(destination), "-"), "-")
	if slug == "" {
		return "destination"
	}
	return slug
}

// Token returns the storage-safe destination token for the key. The slug keeps
// names readable and the digest suffix of the canonical form keeps distinct
// destinations from colliding ("st-louis,usa" vs "st louis,usa").
func (k MonthKey) Token() string {
	return DestinationToken(k.Destination)
}

// DestinationToken is Token for a bare destination string.
func DestinationToken(destination string) string {
	digest := sha256.Digest([]byte(CanonicalDestination(destination)))
	return Slug(destination) + "-" + digest[:tokenDigestLen]
}

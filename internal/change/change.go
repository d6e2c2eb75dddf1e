// Package change decides whether a page's content differs from what is indexed.
package change

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"log/slog"
)

// Fingerprint returns the hex MD5 of content, the format stored under content_hash.
func Fingerprint(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// FingerprintLookup returns the stored fingerprint for a URL.
type FingerprintLookup interface {
	FindByURL(ctx context.Context, url string) (fingerprint string, found bool, err error)
}

// Detector compares fresh content with the stored fingerprint.
type Detector struct {
	lookup FingerprintLookup
	logger *slog.Logger
}

// NewDetector creates a Detector. A nil logger uses slog.Default().
func NewDetector(lookup FingerprintLookup, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{lookup: lookup, logger: logger}
}

// ShouldProcess reports whether content for url needs indexing, along with its
// fingerprint. A failed lookup counts as changed; only cancellation is an error.
func (d *Detector) ShouldProcess(ctx context.Context, url, content string) (bool, string, error) {
	fp := Fingerprint(content)

	stored, found, err := d.lookup.FindByURL(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return false, fp, ctx.Err()
		}
		d.logger.Warn("fingerprint lookup failed, treating as changed", "url", url, "error", err)
		return true, fp, nil
	}
	if !found {
		return true, fp, nil
	}
	return stored != fp, fp, nil
}

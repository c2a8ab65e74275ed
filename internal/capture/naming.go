package capture

import (
	"net/url"
	"strings"
	"time"
)

const (
	timestampLayout = "20060102-150405.000000"
	maxSlugLen      = 64
)

// FileName builds the stored name for a capture of rawURL taken at ts:
// <YYYYMMDD-HHMMSS.micro>_<host-slug>.png.
func FileName(ts time.Time, rawURL string) string {
	return ts.UTC().Format(timestampLayout) + "_" + HostSlug(rawURL) + ".png"
}

// HostSlug reduces the URL host to lowercase letters, digits and dashes.
func HostSlug(rawURL string) string {
	host := ""
	if u, err := url.Parse(strings.TrimSpace(rawURL)); err == nil {
		host = u.Hostname()
	}
	host = strings.TrimPrefix(strings.ToLower(host), "www.")

	var b strings.Builder
	lastDash := false
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		return "page"
	}
	return slug
}

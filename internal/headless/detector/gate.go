// Package detector decides whether a rendered shot is usable or should be
// retried with the evasive profile.
package detector

import (
	"strings"

	"github.com/JakeFAU/pagewatch/internal/headless"
)

// Reasons reported by Inspect.
const (
	ReasonOK        = ""
	ReasonEmpty     = "empty"
	ReasonUndersize = "undersized"
	ReasonChallenge = "challenge"
)

const (
	defaultMinBytes = 50 * 1024
	// challengePageLimit bounds the document size scanned for bot-wall
	// markers; real product pages are far larger than interstitials.
	challengePageLimit = 64 * 1024
)

var challengeMarkers = []string{
	"cf-challenge",
	"challenge-platform",
	"px-captcha",
	"captcha-delivery",
	"are you a robot",
	"verify you are human",
	"access denied",
	"request unsuccessful. incapsula",
}

// Gate rejects blank snapshots and bot interstitials.
type Gate struct {
	MinBytes int
}

// NewGate creates a gate. A zero minBytes uses 50 KiB; a negative one
// disables the size check.
func NewGate(minBytes int) *Gate {
	if minBytes == 0 {
		minBytes = defaultMinBytes
	}
	return &Gate{MinBytes: minBytes}
}

// Inspect returns ReasonOK when the shot is acceptable, otherwise the reason
// it should be retried.
func (g *Gate) Inspect(shot headless.Shot) string {
	if len(shot.PNG) == 0 {
		return ReasonEmpty
	}
	if g.MinBytes > 0 && len(shot.PNG) < g.MinBytes {
		return ReasonUndersize
	}
	if looksLikeChallenge(shot.HTML) {
		return ReasonChallenge
	}
	return ReasonOK
}

func looksLikeChallenge(html string) bool {
	if html == "" || len(html) > challengePageLimit {
		return false
	}
	lower := strings.ToLower(html)
	for _, marker := range challengeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

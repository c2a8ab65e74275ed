package detector

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/headless"
)

func TestGate_Inspect(t *testing.T) {
	t.Parallel()

	big := bytes.Repeat([]byte{1}, 2048)
	tests := []struct {
		name string
		gate *Gate
		shot headless.Shot
		want string
	}{
		{"empty", NewGate(1024), headless.Shot{}, ReasonEmpty},
		{"undersized", NewGate(1024), headless.Shot{PNG: big[:100]}, ReasonUndersize},
		{"ok", NewGate(1024), headless.Shot{PNG: big, HTML: "<html><h1>Widget</h1></html>"}, ReasonOK},
		{"size check disabled", NewGate(-1), headless.Shot{PNG: big[:1]}, ReasonOK},
		{
			"challenge page",
			NewGate(1024),
			headless.Shot{PNG: big, HTML: `<html><div id="cf-challenge-running">Checking</div></html>`},
			ReasonChallenge,
		},
		{
			"large page mentioning captcha",
			NewGate(1024),
			headless.Shot{PNG: big, HTML: "<html>" + strings.Repeat("x", challengePageLimit) + "are you a robot</html>"},
			ReasonOK,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, tt.gate.Inspect(tt.shot))
		})
	}
}

func TestNewGateDefault(t *testing.T) {
	t.Parallel()

	require.Equal(t, 50*1024, NewGate(0).MinBytes)
}

package upstream

import (
	"bytes"
	"strings"
)

// DefaultChallengeSignatures are substrings that identify an edge-protection
// challenge page served in place of feed data.
var DefaultChallengeSignatures = []string{
	"Just a moment",
	"Checking if the site connection is secure",
	"Checking your browser",
	"Attention Required",
	"cf-chl",
	"challenge-platform",
}

// detectChallenge returns the first signature found in a non-JSON body.
// JSON bodies are never challenges, even if a signature appears in a string.
func detectChallenge(body []byte, contentType string, signatures []string) (string, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && !strings.Contains(contentType, "html") {
		return "", false
	}
	for _, sig := range signatures {
		if sig != "" && bytes.Contains(body, []byte(sig)) {
			return sig, true
		}
	}
	return "", false
}

package service

import (
	"regexp"
	"strings"
)

var (
	reFenceStart  = regexp.MustCompile("(?is)^\\s*```[a-z]*\\s*")
	reFenceEnd    = regexp.MustCompile("(?is)\\s*```\\s*$")
	reTitlePrefix = regexp.MustCompile(`(?i)^(title|t[ií]tulo)\s*:\s*`)
)

// cleanLLMResponse quita fences ``` ... ``` y BOM, dejando el texto usable.
func cleanLLMResponse(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	// BOM (por si acaso)
	s = strings.TrimPrefix(s, "\uFEFF")

	s = reFenceStart.ReplaceAllString(s, "")
	s = reFenceEnd.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// cleanTitle deja una sola linea sin prefijos ni comillas, recortada a maxTitleRunes.
func cleanTitle(raw string) string {
	s := cleanLLMResponse(raw)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = reTitlePrefix.ReplaceAllString(strings.TrimSpace(s), "")
	s = strings.Trim(strings.TrimSpace(s), `"'*`)
	return truncateRunes(s, maxTitleRunes)
}

package anonymize

import (
	"regexp"
	"strings"
)

var (
	reIP     = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	reEmail  = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	reURL    = regexp.MustCompile(`\bhttps?://[^\s'"<>]+`)
	reDomain = regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}\b`)
	reHash   = regexp.MustCompile(`\b[a-fA-F0-9]{32}\b|\b[a-fA-F0-9]{40}\b|\b[a-fA-F0-9]{64}\b|\b[a-fA-F0-9]{128}\b`)
)

// Detect classifies a bare value by its shape. Order matters: a hash is valid
// hex before it is a plausible domain, an email contains a domain, a URL
// contains both.
func Detect(value string) DataType {
	v := strings.TrimSpace(value)
	switch {
	case v == "":
		return TypeOther
	case reHash.MatchString(v) && reHash.FindString(v) == v:
		return TypeHash
	case reIP.MatchString(v) && reIP.FindString(v) == v:
		return TypeIP
	case reURL.MatchString(v):
		return TypeURL
	case reEmail.MatchString(v) && reEmail.FindString(v) == v:
		return TypeEmail
	case reDomain.MatchString(v) && reDomain.FindString(v) == v:
		return TypeDomain
	default:
		return TypeOther
	}
}

// AnonymizeText scans free text for embedded sensitive substrings and
// anonymizes each occurrence in place. Used for description and narrative
// fields where the observable is not the whole value.
func AnonymizeText(text string, level Level) string {
	if level == LevelNone || text == "" {
		return text
	}
	out := text
	// URLs first so their host parts are not re-matched as domains.
	out = reURL.ReplaceAllStringFunc(out, func(m string) string {
		return anonymizeURL(m, level)
	})
	out = reEmail.ReplaceAllStringFunc(out, func(m string) string {
		return anonymizeEmail(m, level)
	})
	out = reHash.ReplaceAllStringFunc(out, func(m string) string {
		return anonymizeHash(m, level)
	})
	out = reIP.ReplaceAllStringFunc(out, func(m string) string {
		return anonymizeIP(m, level)
	})
	out = reDomain.ReplaceAllStringFunc(out, func(m string) string {
		if alreadyMasked(m) {
			return m
		}
		return anonymizeDomain(m, level)
	})
	return out
}

// alreadyMasked guards against re-anonymizing a fragment produced by an
// earlier replacement pass (e.g. "exa***.com" still looks like a domain).
func alreadyMasked(s string) bool {
	return strings.Contains(s, "***") || strings.Contains(s, "...") ||
		strings.HasPrefix(s, "*.") || strings.Contains(s, ".x")
}

// Package anonymize transforms indicator values according to the
// anonymization level granted by a trust relationship. All functions are
// pure: identical inputs always produce identical outputs, which keeps
// repeated exports idempotent.
package anonymize

import "strings"

// Level controls how much of the original value survives anonymization.
type Level string

const (
	LevelNone    Level = "none"
	LevelMinimal Level = "minimal"
	LevelPartial Level = "partial"
	LevelFull    Level = "full"
)

// ParseLevel maps a stored string to a Level, defaulting to full on anything
// unrecognised so that a corrupt value never leaks more than intended.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelNone:
		return LevelNone
	case LevelMinimal:
		return LevelMinimal
	case LevelPartial:
		return LevelPartial
	default:
		return LevelFull
	}
}

// Stricter reports whether a is at least as strict as b.
func (l Level) Stricter(other Level) bool {
	return levelRank(l) >= levelRank(other)
}

func levelRank(l Level) int {
	switch l {
	case LevelNone:
		return 0
	case LevelMinimal:
		return 1
	case LevelPartial:
		return 2
	default:
		return 3
	}
}

// DataType classifies the kind of observable being anonymized.
type DataType string

const (
	TypeIP       DataType = "ip"
	TypeDomain   DataType = "domain"
	TypeEmail    DataType = "email"
	TypeURL      DataType = "url"
	TypeFilename DataType = "filename"
	TypeHash     DataType = "hash"
	TypeOther    DataType = "other"
)

// Anonymize transforms value for the given data type and level. Unknown data
// types fall back to content detection; the function never fails, it returns
// a best-effort transformation instead.
func Anonymize(value string, dataType DataType, level Level) string {
	if level == LevelNone || value == "" {
		return value
	}
	switch dataType {
	case TypeIP:
		return anonymizeIP(value, level)
	case TypeDomain:
		return anonymizeDomain(value, level)
	case TypeEmail:
		return anonymizeEmail(value, level)
	case TypeURL:
		return anonymizeURL(value, level)
	case TypeFilename:
		return anonymizeFilename(value, level)
	case TypeHash:
		return anonymizeHash(value, level)
	default:
		return AnonymizeText(value, level)
	}
}

func anonymizeIP(value string, level Level) string {
	parts := strings.Split(value, ".")
	if len(parts) != 4 {
		// Not dotted-quad (likely IPv6); keep only the leading group.
		if level == LevelFull {
			return "[IP_ADDRESS]"
		}
		if idx := strings.Index(value, ":"); idx > 0 {
			return value[:idx] + "::x"
		}
		return "[IP_ADDRESS]"
	}
	switch level {
	case LevelMinimal:
		return strings.Join(parts[:3], ".") + ".x"
	case LevelPartial:
		return parts[0] + "." + parts[1] + ".x.x"
	default:
		return "[IP_ADDRESS]"
	}
}

func anonymizeDomain(value string, level Level) string {
	if level == LevelFull {
		return "[DOMAIN]"
	}
	labels := strings.Split(value, ".")
	if len(labels) < 2 {
		return "[DOMAIN]"
	}
	switch level {
	case LevelMinimal:
		// Drop host labels, keep the registrable domain.
		if len(labels) > 2 {
			return "*." + strings.Join(labels[len(labels)-2:], ".")
		}
		return value
	default: // partial
		tld := labels[len(labels)-1]
		reg := labels[len(labels)-2]
		return maskTail(reg, 3) + "." + tld
	}
}

func anonymizeEmail(value string, level Level) string {
	if level == LevelFull {
		return "[EMAIL_ADDRESS]"
	}
	at := strings.LastIndex(value, "@")
	if at <= 0 || at == len(value)-1 {
		return "[EMAIL_ADDRESS]"
	}
	local, domain := value[:at], value[at+1:]
	switch level {
	case LevelMinimal:
		return maskTail(local, 1) + "@" + domain
	default: // partial
		return "***@" + anonymizeDomain(domain, LevelPartial)
	}
}

func anonymizeURL(value string, level Level) string {
	if level == LevelFull {
		return "[URL]"
	}
	scheme := ""
	rest := value
	if idx := strings.Index(value, "://"); idx > 0 {
		scheme = value[:idx+3]
		rest = value[idx+3:]
	}
	host := rest
	path := ""
	if idx := strings.IndexAny(rest, "/?#"); idx >= 0 {
		host = rest[:idx]
		path = rest[idx:]
	}
	switch level {
	case LevelMinimal:
		// Strip query and fragment, the most identifying part of a URL.
		if idx := strings.IndexAny(path, "?#"); idx >= 0 {
			path = path[:idx]
		}
		return scheme + host + path
	default: // partial
		return scheme + anonymizeDomain(host, LevelPartial) + "/[REDACTED]"
	}
}

func anonymizeFilename(value string, level Level) string {
	if level == LevelFull {
		return "[FILENAME]"
	}
	ext := ""
	name := value
	if idx := strings.LastIndex(value, "."); idx > 0 {
		name = value[:idx]
		ext = value[idx:]
	}
	switch level {
	case LevelMinimal:
		return value
	default: // partial
		return maskTail(name, 2) + ext
	}
}

func anonymizeHash(value string, level Level) string {
	if level == LevelFull {
		return fullHashToken(value)
	}
	switch level {
	case LevelMinimal:
		if len(value) > 16 {
			return value[:16] + "..."
		}
		return value
	default: // partial
		if len(value) > 8 {
			return value[:8] + "..."
		}
		return value
	}
}

// fullHashToken picks the category placeholder by digest length.
func fullHashToken(value string) string {
	switch len(strings.TrimSpace(value)) {
	case 32:
		return "[MD5_HASH]"
	case 40:
		return "[SHA1_HASH]"
	case 64:
		return "[SHA256_HASH]"
	case 128:
		return "[SHA512_HASH]"
	default:
		return "[HASH_VALUE]"
	}
}

// maskTail keeps the first keep characters and replaces the rest with ***.
func maskTail(s string, keep int) string {
	if len(s) <= keep {
		return s + "***"
	}
	return s[:keep] + "***"
}

// FullToken returns the fixed category placeholder used at the full level.
// Distinct values of the same type intentionally collapse to the same token.
func FullToken(dataType DataType, value string) string {
	switch dataType {
	case TypeIP:
		return "[IP_ADDRESS]"
	case TypeDomain:
		return "[DOMAIN]"
	case TypeEmail:
		return "[EMAIL_ADDRESS]"
	case TypeURL:
		return "[URL]"
	case TypeFilename:
		return "[FILENAME]"
	case TypeHash:
		return fullHashToken(value)
	default:
		return "[REDACTED]"
	}
}

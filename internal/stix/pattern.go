package stix

import (
	"fmt"
	"regexp"
	"strings"

	"crisp.org/internal/anonymize"
)

// patternRe matches the single-comparison bracketed pattern form:
// [observable-type:property = 'value']
var patternRe = regexp.MustCompile(`\[\s*([\w-]+)\s*:\s*([\w.'-]+)\s*=\s*'([^']*)'\s*\]`)

// observableFor maps an internal indicator type to its STIX observable path.
func observableFor(indicatorType, value string) string {
	switch indicatorType {
	case "ip":
		if strings.Contains(value, ":") {
			return "ipv6-addr:value"
		}
		return "ipv4-addr:value"
	case "domain":
		return "domain-name:value"
	case "email":
		return "email-addr:value"
	case "url":
		return "url:value"
	case "filename":
		return "file:name"
	case "hash":
		return "file:hashes." + hashAlgo(value)
	default:
		return "x-crisp-observable:value"
	}
}

func hashAlgo(value string) string {
	switch len(strings.TrimSpace(value)) {
	case 40:
		return "'SHA-1'"
	case 64:
		return "'SHA-256'"
	case 128:
		return "'SHA-512'"
	default:
		return "MD5"
	}
}

// BuildPattern renders an internal (type, value) pair as a STIX pattern.
func BuildPattern(indicatorType, value string) string {
	return fmt.Sprintf("[%s = '%s']", observableFor(indicatorType, value), value)
}

// ParsePattern extracts the internal indicator type and observable value from
// a STIX pattern string. Unknown or malformed patterns degrade to
// ("other", "") so one bad object never fails a batch.
func ParsePattern(pattern string) (indicatorType, value string) {
	m := patternRe.FindStringSubmatch(pattern)
	if m == nil {
		return "other", ""
	}
	observable, property, value := m[1], strings.Trim(m[2], "'"), m[3]
	switch observable {
	case "ipv4-addr", "ipv6-addr":
		return "ip", value
	case "domain-name":
		return "domain", value
	case "email-addr":
		return "email", value
	case "url":
		return "url", value
	case "file":
		if strings.HasPrefix(property, "hashes") {
			return "hash", value
		}
		return "filename", value
	default:
		return "other", value
	}
}

// dataTypeFor maps an internal indicator type to its anonymization data type.
func dataTypeFor(indicatorType string) anonymize.DataType {
	switch indicatorType {
	case "ip":
		return anonymize.TypeIP
	case "domain":
		return anonymize.TypeDomain
	case "email":
		return anonymize.TypeEmail
	case "url":
		return anonymize.TypeURL
	case "filename":
		return anonymize.TypeFilename
	case "hash":
		return anonymize.TypeHash
	default:
		return anonymize.TypeOther
	}
}

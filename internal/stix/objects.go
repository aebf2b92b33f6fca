// Package stix implements the subset of STIX 2.1 the exchange pipeline
// speaks: indicator, attack-pattern, identity and bundle objects, the
// bracketed pattern syntax, and the anonymization-aware conversion between
// STIX objects and internal records.
package stix

import (
	"time"

	"github.com/google/uuid"
)

const SpecVersion = "2.1"

// Object is a raw STIX object as retrieved from a TAXII collection. Feeds
// produce arbitrary JSON; typed shapes below are used only on export.
type Object map[string]any

// Type returns the STIX type of the raw object, or "".
func (o Object) Type() string { return o.str("type") }

// ID returns the STIX id of the raw object, or "".
func (o Object) ID() string { return o.str("id") }

func (o Object) str(key string) string {
	if v, ok := o[key].(string); ok {
		return v
	}
	return ""
}

// Time parses an RFC3339 field, returning the zero time when absent or
// malformed.
func (o Object) Time(key string) time.Time {
	raw := o.str(key)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Confidence returns the confidence field clamped to [0,100], defaulting to
// 50 when absent.
func (o Object) Confidence() int {
	switch v := o["confidence"].(type) {
	case float64:
		return clampConfidence(int(v))
	case int:
		return clampConfidence(v)
	default:
		return 50
	}
}

func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

// ExternalReference is a STIX external_references entry.
type ExternalReference struct {
	SourceName string `json:"source_name"`
	ExternalID string `json:"external_id,omitempty"`
	URL        string `json:"url,omitempty"`
}

// KillChainPhase is a STIX kill_chain_phases entry.
type KillChainPhase struct {
	KillChainName string `json:"kill_chain_name"`
	PhaseName     string `json:"phase_name"`
}

// Indicator is the exported STIX indicator shape.
type Indicator struct {
	Type        string `json:"type"`
	SpecVersion string `json:"spec_version"`
	ID          string `json:"id"`
	Created     string `json:"created"`
	Modified    string `json:"modified"`
	Pattern     string `json:"pattern"`
	PatternType string `json:"pattern_type"`
	ValidFrom   string `json:"valid_from"`

	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Confidence  int      `json:"confidence,omitempty"`
}

// AttackPattern is the exported STIX attack-pattern shape.
type AttackPattern struct {
	Type        string `json:"type"`
	SpecVersion string `json:"spec_version"`
	ID          string `json:"id"`
	Created     string `json:"created"`
	Modified    string `json:"modified"`
	Name        string `json:"name"`

	Description        string              `json:"description,omitempty"`
	ExternalReferences []ExternalReference `json:"external_references,omitempty"`
	KillChainPhases    []KillChainPhase    `json:"kill_chain_phases,omitempty"`
}

// Identity describes the exporting system; every bundle leads with one.
type Identity struct {
	Type          string `json:"type"`
	SpecVersion   string `json:"spec_version"`
	ID            string `json:"id"`
	Created       string `json:"created"`
	Modified      string `json:"modified"`
	Name          string `json:"name"`
	IdentityClass string `json:"identity_class"`
}

// Bundle groups exported objects.
type Bundle struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Objects []any  `json:"objects"`
}

// NewID returns a STIX identifier for the given object type, e.g.
// "indicator--1f3c...". Internal database ids never appear on the wire.
func NewID(objectType string) string {
	return objectType + "--" + uuid.NewString()
}

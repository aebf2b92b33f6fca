package stix

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"crisp.org/internal/anonymize"
	"crisp.org/internal/intel"
)

var (
	// ErrUnsupportedType is returned when a raw object is neither an
	// indicator nor an attack-pattern.
	ErrUnsupportedType = errors.New("unsupported stix object type")
)

// Converter maps between STIX 2.1 objects and internal records. The zero
// value is not usable; construct with NewConverter.
type Converter struct {
	orgName    string
	identityID string
	now        func() time.Time
}

// NewConverter creates a converter exporting on behalf of orgName. The
// identity id is stable for the converter's lifetime so all bundles exported
// by one process share it.
func NewConverter(orgName string) *Converter {
	if strings.TrimSpace(orgName) == "" {
		orgName = "CRISP Threat Intelligence"
	}
	return &Converter{
		orgName:    orgName,
		identityID: NewID("identity"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// OrgName returns the organization the converter exports on behalf of.
func (c *Converter) OrgName() string {
	return c.orgName
}

// IndicatorFromStix extracts internal indicator fields from a raw STIX
// indicator object. Malformed patterns degrade to type "other" with an empty
// value rather than failing.
func (c *Converter) IndicatorFromStix(obj Object) (*intel.Indicator, error) {
	if obj.Type() != "indicator" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, obj.Type())
	}
	indType, value := ParsePattern(obj.str("pattern"))

	firstSeen := obj.Time("valid_from")
	if firstSeen.IsZero() {
		firstSeen = obj.Time("created")
	}
	lastSeen := obj.Time("modified")
	if lastSeen.IsZero() {
		lastSeen = firstSeen
	}

	stixID := obj.ID()
	if stixID == "" {
		stixID = NewID("indicator")
	}

	return &intel.Indicator{
		Value:       value,
		Type:        indType,
		Description: obj.str("description"),
		Confidence:  obj.Confidence(),
		StixID:      stixID,
		FirstSeen:   firstSeen,
		LastSeen:    lastSeen,
	}, nil
}

// TTPFromStix extracts internal TTP fields from a raw STIX attack-pattern
// object: the mitre-attack external reference becomes the technique id, the
// first kill-chain phase becomes the tactic.
func (c *Converter) TTPFromStix(obj Object) (*intel.TTP, error) {
	if obj.Type() != "attack-pattern" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, obj.Type())
	}
	stixID := obj.ID()
	if stixID == "" {
		stixID = NewID("attack-pattern")
	}
	ttp := &intel.TTP{
		Name:        obj.str("name"),
		Description: obj.str("description"),
		StixID:      stixID,
	}
	if refs, ok := obj["external_references"].([]any); ok {
		for _, raw := range refs {
			ref, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if src, _ := ref["source_name"].(string); src == "mitre-attack" {
				if extID, _ := ref["external_id"].(string); extID != "" {
					ttp.MitreTechnique = extID
					break
				}
			}
		}
	}
	if phases, ok := obj["kill_chain_phases"].([]any); ok && len(phases) > 0 {
		if phase, ok := phases[0].(map[string]any); ok {
			ttp.MitreTactic, _ = phase["phase_name"].(string)
		}
	}
	return ttp, nil
}

// FromStix dispatches on the raw object type, returning either an
// *intel.Indicator or an *intel.TTP.
func (c *Converter) FromStix(obj Object) (any, error) {
	switch obj.Type() {
	case "indicator":
		return c.IndicatorFromStix(obj)
	case "attack-pattern":
		return c.TTPFromStix(obj)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, obj.Type())
	}
}

// IndicatorToStix renders an internal indicator at the given anonymization
// level. The pattern value is anonymized to match; with NONE the full
// description and confidence are included, MINIMAL keeps a banded confidence
// and an anonymized description, PARTIAL keeps structure only, and FULL
// retains nothing beyond the required fields.
func (c *Converter) IndicatorToStix(ind *intel.Indicator, level anonymize.Level) *Indicator {
	if ind == nil {
		return nil
	}
	value := anonymize.Anonymize(ind.Value, dataTypeFor(ind.Type), level)
	out := &Indicator{
		Type:        "indicator",
		SpecVersion: SpecVersion,
		ID:          exportID("indicator", ind.StixID),
		Created:     stamp(ind.FirstSeen, c.now),
		Modified:    stamp(ind.LastSeen, c.now),
		Pattern:     BuildPattern(ind.Type, value),
		PatternType: "stix",
		ValidFrom:   stamp(ind.FirstSeen, c.now),
	}
	switch level {
	case anonymize.LevelNone:
		out.Description = ind.Description
		out.Confidence = ind.Confidence
		out.Labels = []string{"malicious-activity"}
	case anonymize.LevelMinimal:
		out.Description = anonymize.AnonymizeText(ind.Description, level)
		out.Confidence = band(ind.Confidence)
		out.Labels = []string{"malicious-activity"}
	case anonymize.LevelPartial:
		out.Labels = []string{"malicious-activity"}
	}
	return out
}

// TTPToStix renders an internal TTP at the given anonymization level. The
// MITRE external reference is structural and survives MINIMAL and PARTIAL;
// descriptions do not survive past MINIMAL.
func (c *Converter) TTPToStix(ttp *intel.TTP, level anonymize.Level) *AttackPattern {
	if ttp == nil {
		return nil
	}
	out := &AttackPattern{
		Type:        "attack-pattern",
		SpecVersion: SpecVersion,
		ID:          exportID("attack-pattern", ttp.StixID),
		Created:     stamp(ttp.CreatedAt, c.now),
		Modified:    stamp(ttp.UpdatedAt, c.now),
		Name:        ttp.Name,
	}
	if level == anonymize.LevelFull {
		return out
	}
	if ttp.MitreTechnique != "" {
		out.ExternalReferences = []ExternalReference{{
			SourceName: "mitre-attack",
			ExternalID: ttp.MitreTechnique,
		}}
	}
	if ttp.MitreTactic != "" {
		out.KillChainPhases = []KillChainPhase{{
			KillChainName: "mitre-attack",
			PhaseName:     ttp.MitreTactic,
		}}
	}
	switch level {
	case anonymize.LevelNone:
		out.Description = ttp.Description
	case anonymize.LevelMinimal:
		out.Description = anonymize.AnonymizeText(ttp.Description, level)
	}
	return out
}

// exportID guarantees a well-formed STIX id on the wire. Internal database
// ids are never exported: when the stored id is missing the expected prefix a
// fresh one is generated.
func exportID(objectType, stored string) string {
	if strings.HasPrefix(stored, objectType+"--") {
		return stored
	}
	return NewID(objectType)
}

func stamp(t time.Time, now func() time.Time) string {
	if t.IsZero() {
		t = now()
	}
	return t.UTC().Format(time.RFC3339)
}

// band reduces a confidence score to a coarse 25-point band, keeping rough
// magnitude while dropping source precision.
func band(confidence int) int {
	switch {
	case confidence >= 75:
		return 75
	case confidence >= 50:
		return 50
	case confidence >= 25:
		return 25
	default:
		return 0
	}
}

package stix

import (
	"strings"
	"testing"
	"time"

	"crisp.org/internal/anonymize"
	"crisp.org/internal/intel"
)

func testConverter() *Converter {
	c := NewConverter("Acme CERT")
	c.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func TestIndicatorFromStix(t *testing.T) {
	c := testConverter()
	obj := Object{
		"type":        "indicator",
		"id":          "indicator--8e2e2d2b-17d4-4cbf-938f-98ee46b3cd3f",
		"pattern":     "[ipv4-addr:value = '198.51.100.7']",
		"description": "known scanner",
		"confidence":  float64(80),
		"valid_from":  "2025-01-02T03:04:05Z",
		"modified":    "2025-02-03T04:05:06Z",
	}
	ind, err := c.IndicatorFromStix(obj)
	if err != nil {
		t.Fatalf("IndicatorFromStix: %v", err)
	}
	if ind.Type != "ip" || ind.Value != "198.51.100.7" {
		t.Fatalf("got type=%q value=%q", ind.Type, ind.Value)
	}
	if ind.Confidence != 80 {
		t.Fatalf("confidence = %d, want 80", ind.Confidence)
	}
	if ind.StixID != obj.ID() {
		t.Fatalf("stix id = %q", ind.StixID)
	}
	if ind.FirstSeen != time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) {
		t.Fatalf("first seen = %v", ind.FirstSeen)
	}
	if ind.LastSeen != time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC) {
		t.Fatalf("last seen = %v", ind.LastSeen)
	}
}

func TestIndicatorFromStixDefaults(t *testing.T) {
	c := testConverter()
	ind, err := c.IndicatorFromStix(Object{"type": "indicator", "pattern": "garbage"})
	if err != nil {
		t.Fatalf("IndicatorFromStix: %v", err)
	}
	if ind.Type != "other" {
		t.Fatalf("type = %q, want other", ind.Type)
	}
	if ind.Confidence != 50 {
		t.Fatalf("confidence = %d, want default 50", ind.Confidence)
	}
	if !strings.HasPrefix(ind.StixID, "indicator--") {
		t.Fatalf("generated stix id = %q", ind.StixID)
	}
}

func TestIndicatorFromStixWrongType(t *testing.T) {
	c := testConverter()
	if _, err := c.IndicatorFromStix(Object{"type": "malware"}); err == nil {
		t.Fatal("expected error for malware object")
	}
}

func TestTTPFromStix(t *testing.T) {
	c := testConverter()
	obj := Object{
		"type": "attack-pattern",
		"id":   "attack-pattern--fb6c5e95-7e48-4ba5-97b1-e1ab97a7cbb2",
		"name": "Phishing",
		"external_references": []any{
			map[string]any{"source_name": "capec", "external_id": "CAPEC-98"},
			map[string]any{"source_name": "mitre-attack", "external_id": "T1566"},
		},
		"kill_chain_phases": []any{
			map[string]any{"kill_chain_name": "mitre-attack", "phase_name": "initial-access"},
		},
	}
	ttp, err := c.TTPFromStix(obj)
	if err != nil {
		t.Fatalf("TTPFromStix: %v", err)
	}
	if ttp.MitreTechnique != "T1566" {
		t.Fatalf("technique = %q, want T1566", ttp.MitreTechnique)
	}
	if ttp.MitreTactic != "initial-access" {
		t.Fatalf("tactic = %q", ttp.MitreTactic)
	}
	if ttp.Name != "Phishing" {
		t.Fatalf("name = %q", ttp.Name)
	}
}

func TestFromStixDispatch(t *testing.T) {
	c := testConverter()
	v, err := c.FromStix(Object{"type": "indicator", "pattern": "[url:value = 'http://x']"})
	if err != nil {
		t.Fatalf("FromStix indicator: %v", err)
	}
	if _, ok := v.(*intel.Indicator); !ok {
		t.Fatalf("got %T, want *intel.Indicator", v)
	}
	if _, err := c.FromStix(Object{"type": "relationship"}); err == nil {
		t.Fatal("expected error for relationship object")
	}
}

func TestIndicatorToStixLevels(t *testing.T) {
	c := testConverter()
	ind := &intel.Indicator{
		Value:       "d41d8cd98f00b204e9800998ecf8427e",
		Type:        "hash",
		Description: "seen in campaign against 10.1.2.3",
		Confidence:  82,
		StixID:      "indicator--1b0e9157-9e5a-4cc4-a86c-6017f8b00ba1",
		FirstSeen:   time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		LastSeen:    time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
	}

	none := c.IndicatorToStix(ind, anonymize.LevelNone)
	if !strings.Contains(none.Pattern, ind.Value) {
		t.Fatalf("none pattern %q should carry the raw value", none.Pattern)
	}
	if none.Confidence != 82 || none.Description != ind.Description {
		t.Fatalf("none level must preserve confidence and description")
	}

	minimal := c.IndicatorToStix(ind, anonymize.LevelMinimal)
	if minimal.Confidence != 75 {
		t.Fatalf("minimal confidence = %d, want band 75", minimal.Confidence)
	}

	partial := c.IndicatorToStix(ind, anonymize.LevelPartial)
	if !strings.Contains(partial.Pattern, "d41d8cd9...") {
		t.Fatalf("partial pattern = %q, want truncated hash", partial.Pattern)
	}
	if strings.Contains(partial.Pattern, ind.Value) {
		t.Fatalf("partial pattern %q leaks the raw value", partial.Pattern)
	}
	if partial.Description != "" || partial.Confidence != 0 {
		t.Fatalf("partial level must strip description and confidence")
	}

	full := c.IndicatorToStix(ind, anonymize.LevelFull)
	if !strings.Contains(full.Pattern, "[MD5_HASH]") {
		t.Fatalf("full pattern = %q, want category token", full.Pattern)
	}
	if full.Pattern == partial.Pattern {
		t.Fatal("full and partial patterns must differ")
	}
	if full.ID != ind.StixID {
		t.Fatalf("stix id must survive export, got %q", full.ID)
	}
}

func TestIndicatorToStixNeverExportsInternalID(t *testing.T) {
	c := testConverter()
	ind := &intel.Indicator{
		ID:     "01J0000000000000000000ZZZZ",
		Value:  "1.2.3.4",
		Type:   "ip",
		StixID: "not-a-stix-id",
	}
	out := c.IndicatorToStix(ind, anonymize.LevelNone)
	if !strings.HasPrefix(out.ID, "indicator--") {
		t.Fatalf("exported id = %q, want a fresh stix id", out.ID)
	}
	if out.ID == ind.ID || out.ID == ind.StixID {
		t.Fatalf("exported id %q leaks a stored id", out.ID)
	}
}

func TestTTPToStixLevels(t *testing.T) {
	c := testConverter()
	ttp := &intel.TTP{
		Name:           "Spearphishing Attachment",
		Description:    "mail to ops@victim.example.com carried the payload",
		MitreTechnique: "T1566.001",
		MitreTactic:    "initial-access",
		StixID:         "attack-pattern--73e43fe1-94bd-41b8-9a26-4f821b1b5cbb",
	}

	none := c.TTPToStix(ttp, anonymize.LevelNone)
	if none.Description != ttp.Description {
		t.Fatalf("none level must keep the description")
	}
	if len(none.ExternalReferences) != 1 || none.ExternalReferences[0].ExternalID != "T1566.001" {
		t.Fatalf("external refs = %+v", none.ExternalReferences)
	}

	minimal := c.TTPToStix(ttp, anonymize.LevelMinimal)
	if strings.Contains(minimal.Description, "ops@victim.example.com") {
		t.Fatalf("minimal description %q leaks the email", minimal.Description)
	}

	partial := c.TTPToStix(ttp, anonymize.LevelPartial)
	if partial.Description != "" {
		t.Fatalf("partial level must drop the description")
	}
	if len(partial.KillChainPhases) != 1 {
		t.Fatal("partial level keeps structural kill chain phases")
	}

	full := c.TTPToStix(ttp, anonymize.LevelFull)
	if len(full.ExternalReferences) != 0 || len(full.KillChainPhases) != 0 {
		t.Fatal("full level must strip references and phases")
	}
	if full.Name != ttp.Name {
		t.Fatalf("name is required, got %q", full.Name)
	}
}

func TestExportBundleLeadsWithIdentity(t *testing.T) {
	c := testConverter()
	bundle := c.ExportBundle(
		[]*intel.Indicator{{Value: "1.2.3.4", Type: "ip", StixID: NewID("indicator")}, nil},
		[]*intel.TTP{{Name: "Phishing", StixID: NewID("attack-pattern")}},
		anonymize.LevelPartial,
	)
	if bundle.Type != "bundle" || !strings.HasPrefix(bundle.ID, "bundle--") {
		t.Fatalf("bundle header: type=%q id=%q", bundle.Type, bundle.ID)
	}
	if len(bundle.Objects) != 3 {
		t.Fatalf("objects = %d, want identity + indicator + attack-pattern", len(bundle.Objects))
	}
	identity, ok := bundle.Objects[0].(*Identity)
	if !ok {
		t.Fatalf("first object is %T, want *Identity", bundle.Objects[0])
	}
	if identity.Name != "Acme CERT" || identity.IdentityClass != "organization" {
		t.Fatalf("identity = %+v", identity)
	}

	again := c.ExportBundle(nil, nil, anonymize.LevelNone)
	if again.Objects[0].(*Identity).ID != identity.ID {
		t.Fatal("identity id must be stable across bundles")
	}
}

func TestObjectAccessors(t *testing.T) {
	obj := Object{"type": "indicator", "confidence": float64(150), "created": "bogus"}
	if got := obj.Confidence(); got != 100 {
		t.Fatalf("confidence = %d, want clamp to 100", got)
	}
	if !obj.Time("created").IsZero() {
		t.Fatal("malformed timestamp should read as zero")
	}
	if !obj.Time("missing").IsZero() {
		t.Fatal("missing timestamp should read as zero")
	}
}

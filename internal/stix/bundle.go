package stix

import (
	"time"

	"crisp.org/internal/anonymize"
	"crisp.org/internal/intel"
)

// ExportBundle assembles a STIX bundle for the given records at one
// anonymization level. The first object is always the exporting identity;
// nil records are skipped.
func (c *Converter) ExportBundle(indicators []*intel.Indicator, ttps []*intel.TTP, level anonymize.Level) *Bundle {
	created := c.now().UTC().Format(time.RFC3339)
	objects := make([]any, 0, 1+len(indicators)+len(ttps))
	objects = append(objects, &Identity{
		Type:          "identity",
		SpecVersion:   SpecVersion,
		ID:            c.identityID,
		Created:       created,
		Modified:      created,
		Name:          c.orgName,
		IdentityClass: "organization",
	})
	for _, ind := range indicators {
		if obj := c.IndicatorToStix(ind, level); obj != nil {
			objects = append(objects, obj)
		}
	}
	for _, ttp := range ttps {
		if obj := c.TTPToStix(ttp, level); obj != nil {
			objects = append(objects, obj)
		}
	}
	return &Bundle{
		Type:    "bundle",
		ID:      NewID("bundle"),
		Objects: objects,
	}
}

package ldap

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
)

// AttributeObjectSID holds binary security identifiers in Active Directory.
const AttributeObjectSID = "objectSid"

// CollectValues gathers every value of attr from entries, in entry order.
// Attribute names compare case-insensitively. Binary objectSid values are
// rendered in their S-1-... form so they can be placed in a filter.
func CollectValues(entries []*ldap.Entry, attr string) []string {
	var values []string

	for _, entry := range entries {
		if entry == nil {
			continue
		}
		for _, ea := range entry.Attributes {
			if !strings.EqualFold(ea.Name, attr) {
				continue
			}
			if strings.EqualFold(attr, AttributeObjectSID) {
				for _, raw := range ea.ByteValues {
					if sid, err := DecodeSID(raw); err == nil {
						values = append(values, sid)
					}
				}
				continue
			}
			values = append(values, ea.Values...)
		}
	}

	return values
}

// DecodeSID converts a binary SID to its string representation.
// Values that already look like S-1-... strings are returned unchanged.
func DecodeSID(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("binary SID cannot be empty")
	}

	if strings.HasPrefix(string(raw), "S-1-") {
		return string(raw), nil
	}

	// revision(1) + sub-authority count(1) + authority(6)
	if len(raw) < 8 || len(raw) < 8+4*int(raw[1]) {
		return "", fmt.Errorf("binary SID too short: %d bytes", len(raw))
	}

	return objectsid.Decode(raw).String(), nil
}

// EqualityFilter builds (attr=value) with value escaped for filter syntax.
func EqualityFilter(attr, value string) string {
	return fmt.Sprintf("(%s=%s)", attr, ldap.EscapeFilter(value))
}

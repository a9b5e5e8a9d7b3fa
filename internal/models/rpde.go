package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RPDE item states as they appear on the wire.
const (
	StateUpdated = "updated"
	StateDeleted = "deleted"
)

// Opportunity is a decoded JSON-LD opportunity. The broker treats the
// payload as opaque apart from a handful of well-known keys (@id, @type,
// superEvent, facilityUse).
type Opportunity map[string]any

// FlexString decodes a JSON value that feeds emit either as a string or as
// a number. Numbers are kept as their literal decimal text so that values
// beyond 2^53 survive the round trip without float coercion.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("empty value")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	// Numeric literal: validate it is a plain decimal and keep the text.
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(f))
}

// RpdeItem is one entry of an RPDE page.
type RpdeItem struct {
	State    string      `json:"state"`
	Kind     string      `json:"kind"`
	ID       FlexString  `json:"id"`
	Modified FlexString  `json:"modified"`
	Data     Opportunity `json:"data,omitempty"`
}

// Validate reports whether the item carries the fields every RPDE item
// must have. Items failing this check are dropped and counted by the
// harvester, never ingested.
func (i *RpdeItem) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("missing id")
	}
	if i.State != StateUpdated && i.State != StateDeleted {
		return fmt.Errorf("invalid state %q", i.State)
	}
	if i.Kind == "" {
		return fmt.Errorf("missing kind")
	}
	if i.State == StateUpdated && i.Data == nil {
		return fmt.Errorf("updated item has no data")
	}
	return nil
}

// RpdePage is the response body of one RPDE page fetch.
type RpdePage struct {
	Items   []RpdeItem `json:"items"`
	Next    string     `json:"next"`
	License string     `json:"license,omitempty"`
}

// Kinds that act as parents in the opportunity model. Everything else with
// a parent reference is treated as a child.
var parentKinds = map[string]bool{
	"SessionSeries":         true,
	"FacilityUse":           true,
	"IndividualFacilityUse": true,
}

// IsParentKind reports whether the given JSON-LD type can own children.
func IsParentKind(jsonLdType string) bool {
	return parentKinds[jsonLdType]
}

// JSONLDID extracts the @id of an opportunity, falling back to "id".
func (o Opportunity) JSONLDID() string {
	if s, ok := o["@id"].(string); ok {
		return s
	}
	if s, ok := o["id"].(string); ok {
		return s
	}
	return ""
}

// JSONLDType extracts the @type of an opportunity, falling back to "type".
func (o Opportunity) JSONLDType() string {
	if s, ok := o["@type"].(string); ok {
		return s
	}
	if s, ok := o["type"].(string); ok {
		return s
	}
	return ""
}

// ParentJSONLDID extracts the parent reference of a child opportunity:
// superEvent for ScheduledSession-like types, facilityUse for Slots. The
// reference may be embedded as an object or given as a bare ID string.
// Returns "" when the opportunity has no parent reference.
func (o Opportunity) ParentJSONLDID() string {
	for _, key := range []string{"superEvent", "facilityUse"} {
		switch ref := o[key].(type) {
		case string:
			if ref != "" {
				return ref
			}
		case map[string]any:
			if s, ok := ref["@id"].(string); ok && s != "" {
				return s
			}
			if s, ok := ref["id"].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// FeedItemKey builds the feed-scoped identifier used by the reverse
// item-id index. Delete events omit the JSON-LD payload, so tombstoning
// resolves the JSON-LD ID through this key.
func FeedItemKey(feedID string, itemID FlexString) string {
	return feedID + "::" + string(itemID)
}

// FormatTimestamp renders an ingestion timestamp the same way modified
// values are handled: as decimal text.
func FormatTimestamp(unixMilli int64) string {
	return strconv.FormatInt(unixMilli, 10)
}

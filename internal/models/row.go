package models

// OpportunityItemRow is the unit of the row store: one row per JSON-LD ID.
// A delete never removes a row; it flips Deleted and clears the payload so
// that late listeners observe a tombstone rather than "not found".
type OpportunityItemRow struct {
	ID           FlexString  `json:"id"`
	Modified     FlexString  `json:"modified"`
	Deleted      bool        `json:"deleted"`
	FeedModified string      `json:"feedModified"`
	JSONLDID     string      `json:"jsonLdId"`
	JSONLD       Opportunity `json:"jsonLd,omitempty"`
	JSONLDType   string      `json:"jsonLdType"`
	JSONLDParent string      `json:"jsonLdParentId,omitempty"`

	// WaitingForParent is set when the row is a child whose parent has not
	// been ingested yet. Such a row exists but is not "ready".
	WaitingForParent bool `json:"waitingForParentToBeIngested"`
}

// RowCounts summarises the row store for the status endpoint.
type RowCounts struct {
	Total      int `json:"total"`
	Parents    int `json:"parents"`
	Children   int `json:"children"`
	Orphaned   int `json:"orphaned"`
	Tombstoned int `json:"tombstoned"`
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFeedsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feeds.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write feeds file: %v", err)
	}
	return path
}

func TestLoadFeeds(t *testing.T) {
	path := writeFeedsFile(t, `
datasetSite: https://example.com/dataset
opportunityFeeds:
  - kind: SessionSeries
    url: https://example.com/feeds/session-series
  - kind: ScheduledSession
    url: https://example.com/feeds/scheduled-sessions
orderFeeds:
  - partner: primary
    type: orders
    url: https://example.com/feeds/orders
  - partner: primary
    type: order-proposals
    url: https://example.com/feeds/order-proposals
`)

	feeds, err := LoadFeeds(path)
	if err != nil {
		t.Fatalf("LoadFeeds: %v", err)
	}
	if len(feeds.OpportunityFeeds) != 2 || len(feeds.OrderFeeds) != 2 {
		t.Fatalf("parsed %d opportunity and %d order feeds",
			len(feeds.OpportunityFeeds), len(feeds.OrderFeeds))
	}
	if feeds.OpportunityFeeds[0].Kind != "SessionSeries" {
		t.Fatalf("kind = %q", feeds.OpportunityFeeds[0].Kind)
	}
	if feeds.DatasetSite != "https://example.com/dataset" {
		t.Fatalf("datasetSite = %q", feeds.DatasetSite)
	}
}

func TestLoadFeedsValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"no opportunity feeds", `orderFeeds: []`},
		{"missing url", "opportunityFeeds:\n  - kind: SessionSeries"},
		{"duplicate kind", `
opportunityFeeds:
  - {kind: SessionSeries, url: https://a.example}
  - {kind: SessionSeries, url: https://b.example}
`},
		{"bad order type", `
opportunityFeeds:
  - {kind: SessionSeries, url: https://a.example}
orderFeeds:
  - {partner: primary, type: invoices, url: https://c.example}
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadFeeds(writeFeedsFile(t, tc.content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestOrderFeedID(t *testing.T) {
	orders := OrderFeed{BookingPartner: "primary", Type: "orders"}
	if got := orders.OrderFeedID(); got != "OrdersFeed (auth:primary)" {
		t.Fatalf("orders feed ID = %q", got)
	}
	proposals := OrderFeed{BookingPartner: "secondary", Type: "order-proposals"}
	if got := proposals.OrderFeedID(); got != "OrderProposalsFeed (auth:secondary)" {
		t.Fatalf("proposals feed ID = %q", got)
	}
}

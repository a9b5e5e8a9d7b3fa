package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// OpportunityFeed names one opportunity feed to harvest. The kind doubles
// as the feed identifier, matching how feeds are keyed in the harvest
// state.
type OpportunityFeed struct {
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
}

// OrderFeed names one order or order-proposal feed for a booking partner.
type OrderFeed struct {
	BookingPartner string `yaml:"partner"`
	Type           string `yaml:"type"` // "orders" or "order-proposals"
	URL            string `yaml:"url"`
}

// Feeds is the parsed feed definition file.
type Feeds struct {
	DatasetSite      string            `yaml:"datasetSite,omitempty"`
	OpportunityFeeds []OpportunityFeed `yaml:"opportunityFeeds"`
	OrderFeeds       []OrderFeed       `yaml:"orderFeeds,omitempty"`
}

// LoadFeeds reads and validates the feed definition YAML file.
func LoadFeeds(path string) (*Feeds, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feeds file: %w", err)
	}

	var feeds Feeds
	if err := yaml.Unmarshal(raw, &feeds); err != nil {
		return nil, fmt.Errorf("failed to parse feeds file %s: %w", path, err)
	}

	if len(feeds.OpportunityFeeds) == 0 {
		return nil, fmt.Errorf("feeds file %s defines no opportunity feeds", path)
	}
	seen := make(map[string]struct{})
	for _, f := range feeds.OpportunityFeeds {
		if f.Kind == "" || f.URL == "" {
			return nil, fmt.Errorf("opportunity feed entries need both kind and url")
		}
		if _, dup := seen[f.Kind]; dup {
			return nil, fmt.Errorf("duplicate opportunity feed kind %q", f.Kind)
		}
		seen[f.Kind] = struct{}{}
	}
	for _, f := range feeds.OrderFeeds {
		if f.BookingPartner == "" || f.URL == "" {
			return nil, fmt.Errorf("order feed entries need both partner and url")
		}
		if f.Type != "orders" && f.Type != "order-proposals" {
			return nil, fmt.Errorf("order feed type must be orders or order-proposals, got %q", f.Type)
		}
	}
	return &feeds, nil
}

// OrderFeedID builds the feed-context key for an order feed, e.g.
// "OrdersFeed (auth:primary)".
func (f OrderFeed) OrderFeedID() string {
	name := "OrdersFeed"
	if f.Type == "order-proposals" {
		name = "OrderProposalsFeed"
	}
	return fmt.Sprintf("%s (auth:%s)", name, f.BookingPartner)
}

// internal/model/campaign.go
package model

type CampaignKind string

const (
	CampaignBirthday CampaignKind = "birthday"
	CampaignBilling  CampaignKind = "billing"
)

// Campaign describes one of the two outbound campaigns.
type Campaign struct {
	Kind           CampaignKind `json:"kind"`
	Collection     Collection   `json:"collection"`
	BaseTemplate   string       `json:"base_template"`
	SendCommand    string       `json:"send_command"`
	CollectCommand string       `json:"collect_command"`
	SendURL        string       `json:"-"`
	CollectURL     string       `json:"-"`
}

// Company is a tenant whose entries the dashboard manages.
type Company struct {
	ID    string `json:"id" mapstructure:"id" toml:"id"`
	Name  string `json:"name" mapstructure:"name" toml:"name"`
	TaxID string `json:"tax_id" mapstructure:"tax_id" toml:"tax_id"`
}

package models

// Integration is the per-business, per-country gateway configuration. It is
// owned by the business service; this engine only reads it to build clients
// and to sign outbound webhooks.
type Integration struct {
	BusinessID     string `json:"business_id"`
	Country        string `json:"country"`
	MerchantID     string `json:"merchant_id"`
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
	Passkey        string `json:"passkey,omitempty"`
	CallbackURL    string `json:"callback_url"`
	WebhookURL     string `json:"webhook_url,omitempty"`
	WebhookSecret  string `json:"webhook_secret,omitempty"`
	Sandbox        bool   `json:"sandbox"`
	Active         bool   `json:"active"`
}

package billing

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider       string
	EventID        string
	EventType      string
	PayloadJSON    string
	SignatureValid bool
}

package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Jalez/ui-designer-sub003/internal/pkg/env"
)

const defaultStripeAPIBaseURL = "https://api.stripe.com/v1"

// StripeClient talks to the payment provider's REST API. It is the only place
// that knows the provider's wire shapes; callers see normalized types.
type StripeClient struct {
	SecretKey  string
	APIBaseURL string

	HTTPClient *http.Client
}

// StripeCustomer is the normalized customer record.
type StripeCustomer struct {
	ID    string
	Email string
}

// StripeSubscription is the normalized subscription record.
type StripeSubscription struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	Interval          string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
}

// StripeEvent is the normalized webhook payload.
type StripeEvent struct {
	ID                string
	Type              string
	CustomerID        string
	SubscriptionID    string
	PriceID           string
	Status            string
	Interval          string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
}

func NewStripeClientFromEnv() *StripeClient {
	return &StripeClient{
		SecretKey:  strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		APIBaseURL: strings.TrimRight(strings.TrimSpace(env.GetEnv("STRIPE_API_BASE_URL", defaultStripeAPIBaseURL)), "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// FindCustomerByEmail resolves the provider customer for an email address.
// Returns (nil, nil) when the provider knows no such customer.
func (c *StripeClient) FindCustomerByEmail(ctx context.Context, email string) (*StripeCustomer, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, errors.New("email is required")
	}

	q := url.Values{}
	q.Set("email", email)
	q.Set("limit", "1")
	body, err := c.get(ctx, "/customers?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var raw struct {
		Data []struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if len(raw.Data) == 0 {
		return nil, nil
	}
	return &StripeCustomer{ID: raw.Data[0].ID, Email: raw.Data[0].Email}, nil
}

// ListSubscriptions returns all subscriptions held by a provider customer,
// including canceled ones so callers can see terminal states.
func (c *StripeClient) ListSubscriptions(ctx context.Context, customerID string) ([]StripeSubscription, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, errors.New("customer id is required")
	}

	q := url.Values{}
	q.Set("customer", customerID)
	q.Set("status", "all")
	body, err := c.get(ctx, "/subscriptions?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var raw struct {
		Data []rawSubscription `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	subs := make([]StripeSubscription, 0, len(raw.Data))
	for _, rs := range raw.Data {
		subs = append(subs, rs.normalize())
	}
	return subs, nil
}

// CreatePortalSession opens a self-service billing management session and
// returns its URL.
func (c *StripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return "", errors.New("customer id is required")
	}

	form := url.Values{}
	form.Set("customer", customerID)
	if strings.TrimSpace(returnURL) != "" {
		form.Set("return_url", strings.TrimSpace(returnURL))
	}
	body, err := c.post(ctx, "/billing_portal/sessions", form)
	if err != nil {
		return "", err
	}

	var raw struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", err
	}
	if strings.TrimSpace(raw.URL) == "" {
		return "", errors.New("portal session response missing url")
	}
	return raw.URL, nil
}

// CancelAtPeriodEnd flags a subscription to end at the close of the current
// billing period without revoking anything immediately.
func (c *StripeClient) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*StripeSubscription, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, errors.New("subscription id is required")
	}

	form := url.Values{}
	form.Set("cancel_at_period_end", "true")
	body, err := c.post(ctx, "/subscriptions/"+url.PathEscape(subscriptionID), form)
	if err != nil {
		return nil, err
	}

	var rs rawSubscription
	if err := json.Unmarshal(body, &rs); err != nil {
		return nil, err
	}
	sub := rs.normalize()
	return &sub, nil
}

func (c *StripeClient) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *StripeClient) post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, strings.NewReader(form.Encode()))
}

func (c *StripeClient) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	if strings.TrimSpace(c.SecretKey) == "" {
		return nil, errors.New("STRIPE_SECRET_KEY is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.APIBaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	req.Header.Set("Accept", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		// Stripe deduplicates retried writes by this key.
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("stripe request failed: method=%s path=%s status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}
	return raw, nil
}

type rawSubscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	Items             struct {
		Data []struct {
			Price struct {
				ID        string `json:"id"`
				Recurring struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (rs rawSubscription) normalize() StripeSubscription {
	sub := StripeSubscription{
		ID:                strings.TrimSpace(rs.ID),
		CustomerID:        strings.TrimSpace(rs.Customer),
		Status:            strings.TrimSpace(rs.Status),
		CancelAtPeriodEnd: rs.CancelAtPeriodEnd,
	}
	if rs.CurrentPeriodEnd > 0 {
		t := time.Unix(rs.CurrentPeriodEnd, 0).UTC()
		sub.CurrentPeriodEnd = &t
	}
	if len(rs.Items.Data) > 0 {
		sub.PriceID = strings.TrimSpace(rs.Items.Data[0].Price.ID)
		sub.Interval = strings.TrimSpace(rs.Items.Data[0].Price.Recurring.Interval)
	}
	return sub
}

// ParseStripeWebhookEvent extracts the fields the reconciler needs from a raw
// webhook payload. Subscription events carry the subscription object; invoice
// events carry customer and subscription references.
func ParseStripeWebhookEvent(payload []byte) (*StripeEvent, error) {
	var raw struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw.Type) == "" {
		return nil, errors.New("stripe webhook payload missing event type")
	}

	out := &StripeEvent{
		ID:   strings.TrimSpace(raw.ID),
		Type: strings.TrimSpace(raw.Type),
	}

	switch {
	case strings.HasPrefix(out.Type, "customer.subscription."):
		var rs rawSubscription
		if err := json.Unmarshal(raw.Data.Object, &rs); err != nil {
			return nil, err
		}
		sub := rs.normalize()
		if sub.ID == "" || sub.CustomerID == "" {
			return nil, errors.New("stripe subscription event missing ids")
		}
		out.SubscriptionID = sub.ID
		out.CustomerID = sub.CustomerID
		out.Status = sub.Status
		out.PriceID = sub.PriceID
		out.Interval = sub.Interval
		out.CurrentPeriodEnd = sub.CurrentPeriodEnd
		out.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	case strings.HasPrefix(out.Type, "invoice."):
		var inv struct {
			Customer     string `json:"customer"`
			Subscription string `json:"subscription"`
			Lines        struct {
				Data []struct {
					Price struct {
						ID        string `json:"id"`
						Recurring struct {
							Interval string `json:"interval"`
						} `json:"recurring"`
					} `json:"price"`
					Period struct {
						End int64 `json:"end"`
					} `json:"period"`
				} `json:"data"`
			} `json:"lines"`
		}
		if err := json.Unmarshal(raw.Data.Object, &inv); err != nil {
			return nil, err
		}
		if strings.TrimSpace(inv.Customer) == "" {
			return nil, errors.New("stripe invoice event missing customer")
		}
		out.CustomerID = strings.TrimSpace(inv.Customer)
		out.SubscriptionID = strings.TrimSpace(inv.Subscription)
		if len(inv.Lines.Data) > 0 {
			out.PriceID = strings.TrimSpace(inv.Lines.Data[0].Price.ID)
			out.Interval = strings.TrimSpace(inv.Lines.Data[0].Price.Recurring.Interval)
			if end := inv.Lines.Data[0].Period.End; end > 0 {
				t := time.Unix(end, 0).UTC()
				out.CurrentPeriodEnd = &t
			}
		}
	}

	return out, nil
}

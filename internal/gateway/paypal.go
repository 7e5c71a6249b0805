package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mkarlsen/greenledger/internal/domain"
)

// PayPalProvider implements Provider against the PayPal REST API. There is no
// official Go SDK; this is a thin client over the handful of endpoints the
// engine needs.
type PayPalProvider struct {
	baseURL      string
	clientID     string
	clientSecret string
	webhookID    string

	// planIDs maps subscription tiers to PayPal billing plan IDs.
	planIDs map[domain.SubscriptionTier]string

	httpClient *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewPayPalProvider creates a PayPal gateway adapter. baseURL selects the
// sandbox or live environment.
func NewPayPalProvider(baseURL, clientID, clientSecret, webhookID string, planIDs map[domain.SubscriptionTier]string) *PayPalProvider {
	return &PayPalProvider{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		webhookID:    webhookID,
		planIDs:      planIDs,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Name identifies the gateway.
func (p *PayPalProvider) Name() domain.Gateway {
	return domain.GatewayPayPal
}

// token returns a cached OAuth access token, refreshing when it is within a
// minute of expiry.
func (p *PayPalProvider) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && time.Until(p.tokenExpiry) > time.Minute {
		return p.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.clientID, p.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", domain.WrapError(err, domain.EPAYMENT, "gateway.paypal", "failed to fetch access token")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", domain.Errorf(domain.EPAYMENT, "gateway.paypal", "token request returned status %d", resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", domain.WrapError(err, domain.EPAYMENT, "gateway.paypal", "failed to decode token response")
	}

	p.accessToken = tok.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return p.accessToken, nil
}

// do sends an authenticated JSON request and decodes the response into out
// (when out is non-nil). Responses outside 2xx become EPAYMENT errors.
func (p *PayPalProvider) do(ctx context.Context, method, path string, body, out any) error {
	token, err := p.token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return domain.WrapError(err, domain.EPAYMENT, "gateway.paypal", "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Errorf(domain.EPAYMENT, "gateway.paypal",
			"%s %s returned status %d: %s", method, path, resp.StatusCode, string(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return domain.WrapError(err, domain.EPAYMENT, "gateway.paypal", "failed to decode response")
		}
	}
	return nil
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

func approveLink(links []paypalLink) string {
	for _, l := range links {
		if l.Rel == "approve" {
			return l.Href
		}
	}
	return ""
}

// CreateCheckout creates a PayPal billing subscription awaiting buyer
// approval.
func (p *PayPalProvider) CreateCheckout(ctx context.Context, params CheckoutParams) (*domain.CheckoutRef, error) {
	planID, ok := p.planIDs[params.Tier]
	if !ok {
		return nil, domain.Errorf(domain.EINVALID, "gateway.paypal", "no plan configured for tier %s", params.Tier)
	}

	body := map[string]any{
		"plan_id":   planID,
		"custom_id": params.UserID,
		"application_context": map[string]any{
			"return_url": params.SuccessURL,
			"cancel_url": params.CancelURL,
		},
	}

	var created struct {
		ID    string       `json:"id"`
		Links []paypalLink `json:"links"`
	}
	if err := p.do(ctx, http.MethodPost, "/v1/billing/subscriptions", body, &created); err != nil {
		return nil, err
	}

	return &domain.CheckoutRef{URL: approveLink(created.Links), ExternalID: created.ID}, nil
}

// CreatePaymentIntent creates a capture-intent order. PayPal has no client
// secret; the approval URL takes its place in the returned ref.
func (p *PayPalProvider) CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (*domain.PaymentIntentRef, error) {
	value := decimal.NewFromInt(params.AmountCents).Div(decimal.NewFromInt(100)).StringFixed(2)

	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{
			{
				"custom_id":   encodeCustomID(params.Purpose, params.EntityID),
				"description": params.Description,
				"amount": map[string]any{
					"currency_code": strings.ToUpper(params.Currency),
					"value":         value,
				},
			},
		},
	}

	var created struct {
		ID    string       `json:"id"`
		Links []paypalLink `json:"links"`
	}
	if err := p.do(ctx, http.MethodPost, "/v2/checkout/orders", body, &created); err != nil {
		return nil, err
	}

	return &domain.PaymentIntentRef{ClientSecret: approveLink(created.Links), ExternalID: created.ID}, nil
}

// CancelSubscription stops a PayPal subscription. At-period-end requests
// suspend the subscription so no further charges occur while the paid period
// runs out; immediate requests cancel outright.
func (p *PayPalProvider) CancelSubscription(ctx context.Context, externalSubscriptionID string, atPeriodEnd bool) error {
	action := "cancel"
	if atPeriodEnd {
		action = "suspend"
	}
	path := fmt.Sprintf("/v1/billing/subscriptions/%s/%s", externalSubscriptionID, action)
	return p.do(ctx, http.MethodPost, path, map[string]string{"reason": "requested by customer"}, nil)
}

// RefundPayment refunds a captured payment. amountCents 0 refunds in full.
func (p *PayPalProvider) RefundPayment(ctx context.Context, externalRef string, amountCents int64) error {
	var body any
	if amountCents > 0 {
		body = map[string]any{
			"amount": map[string]any{
				"currency_code": "USD",
				"value":         decimal.NewFromInt(amountCents).Div(decimal.NewFromInt(100)).StringFixed(2),
			},
		}
	}
	path := fmt.Sprintf("/v2/payments/captures/%s/refund", externalRef)
	return p.do(ctx, http.MethodPost, path, body, nil)
}

// VerifyWebhook authenticates a delivery through PayPal's
// verify-webhook-signature endpoint and normalizes the event.
func (p *PayPalProvider) VerifyWebhook(ctx context.Context, payload []byte, header http.Header) (*domain.Event, error) {
	body := map[string]any{
		"transmission_id":   header.Get("Paypal-Transmission-Id"),
		"transmission_time": header.Get("Paypal-Transmission-Time"),
		"transmission_sig":  header.Get("Paypal-Transmission-Sig"),
		"cert_url":          header.Get("Paypal-Cert-Url"),
		"auth_algo":         header.Get("Paypal-Auth-Algo"),
		"webhook_id":        p.webhookID,
		"webhook_event":     json.RawMessage(payload),
	}

	var verification struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := p.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", body, &verification); err != nil {
		return nil, err
	}
	if verification.VerificationStatus != "SUCCESS" {
		return nil, fmt.Errorf("%w: verification status %q", ErrInvalidSignature, verification.VerificationStatus)
	}

	return p.normalize(payload)
}

// paypalEvent is the subset of webhook payload fields the normalizer reads.
type paypalEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		CustomID string `json:"custom_id"`
		PlanID   string `json:"plan_id"`
		Amount   struct {
			Value string `json:"value"`
		} `json:"amount"`
		BillingInfo struct {
			NextBillingTime time.Time `json:"next_billing_time"`
		} `json:"billing_info"`
		// Legacy sale objects report the subscription under
		// billing_agreement_id.
		BillingAgreementID string `json:"billing_agreement_id"`
	} `json:"resource"`
}

func (p *PayPalProvider) normalize(payload []byte) (*domain.Event, error) {
	var raw paypalEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if raw.ID == "" || raw.EventType == "" {
		return nil, fmt.Errorf("%w: missing event id or type", ErrMalformedEvent)
	}

	ev := &domain.Event{
		Gateway:         domain.GatewayPayPal,
		ExternalEventID: raw.ID,
		ExternalRef:     raw.Resource.ID,
		ReceivedAt:      time.Now().UTC(),
	}
	ev.Purpose, ev.EntityRef = decodeCustomID(raw.Resource.CustomID)
	ev.AmountCents = dollarsToCents(raw.Resource.Amount.Value)

	switch raw.EventType {
	case "PAYMENT.CAPTURE.COMPLETED", "PAYMENT.SALE.COMPLETED", "CHECKOUT.ORDER.COMPLETED":
		ev.Type = domain.EventPaymentCaptured

	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.SALE.DENIED":
		ev.Type = domain.EventPaymentFailed

	case "PAYMENT.CAPTURE.REFUNDED", "PAYMENT.SALE.REFUNDED":
		ev.Type = domain.EventPaymentRefunded

	case "BILLING.SUBSCRIPTION.CREATED", "BILLING.SUBSCRIPTION.ACTIVATED":
		ev.Type = domain.EventSubscriptionCreated
		ev.UserID = raw.Resource.CustomID
		ev.Purpose, ev.EntityRef = "", ""
		ev.Subscription = p.subscriptionData(raw)

	case "BILLING.SUBSCRIPTION.UPDATED", "BILLING.SUBSCRIPTION.SUSPENDED", "BILLING.SUBSCRIPTION.PAYMENT.FAILED":
		ev.Type = domain.EventSubscriptionUpdated
		ev.UserID = raw.Resource.CustomID
		ev.Purpose, ev.EntityRef = "", ""
		ev.Subscription = p.subscriptionData(raw)

	case "BILLING.SUBSCRIPTION.CANCELLED", "BILLING.SUBSCRIPTION.EXPIRED":
		ev.Type = domain.EventSubscriptionDeleted
		ev.UserID = raw.Resource.CustomID
		ev.Purpose, ev.EntityRef = "", ""
		ev.Subscription = &domain.SubscriptionEventData{
			ExternalSubscriptionID: raw.Resource.ID,
			Status:                 domain.SubscriptionStatusCanceled,
		}

	default:
		ev.Type = domain.EventIgnored
	}

	return ev, nil
}

func (p *PayPalProvider) subscriptionData(raw paypalEvent) *domain.SubscriptionEventData {
	sub := &domain.SubscriptionEventData{
		ExternalSubscriptionID: raw.Resource.ID,
		Status:                 paypalSubscriptionStatus(raw.Resource.Status, raw.EventType),
		CurrentPeriodEnd:       raw.Resource.BillingInfo.NextBillingTime,
	}
	for tier, planID := range p.planIDs {
		if planID == raw.Resource.PlanID {
			sub.Tier = tier
			break
		}
	}
	return sub
}

func paypalSubscriptionStatus(status, eventType string) domain.SubscriptionStatus {
	if eventType == "BILLING.SUBSCRIPTION.PAYMENT.FAILED" {
		return domain.SubscriptionStatusPastDue
	}
	switch status {
	case "ACTIVE":
		return domain.SubscriptionStatusActive
	case "APPROVAL_PENDING", "APPROVED":
		return domain.SubscriptionStatusTrialing
	case "SUSPENDED":
		return domain.SubscriptionStatusPastDue
	case "CANCELLED", "EXPIRED":
		return domain.SubscriptionStatusCanceled
	default:
		return domain.SubscriptionStatusActive
	}
}

// encodeCustomID packs the payment purpose and local entity ID into PayPal's
// single custom_id field.
func encodeCustomID(purpose domain.PaymentPurpose, entityID string) string {
	return string(purpose) + ":" + entityID
}

func decodeCustomID(customID string) (domain.PaymentPurpose, string) {
	purpose, entityID, ok := strings.Cut(customID, ":")
	if !ok {
		return "", ""
	}
	switch domain.PaymentPurpose(purpose) {
	case domain.PurposeInvoice, domain.PurposeDonation:
		return domain.PaymentPurpose(purpose), entityID
	}
	return "", ""
}

func dollarsToCents(value string) int64 {
	if value == "" {
		return 0
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0
	}
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

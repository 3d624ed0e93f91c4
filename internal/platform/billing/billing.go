// Package billing talks to the payment provider for practice subscriptions:
// one seat per accepted professional, and a checkout session at signup.
package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// ErrNoSubscriptionItems is returned when a subscription has no line item to
// add a seat to.
var ErrNoSubscriptionItems = errors.New("subscription has no items")

// CheckoutRequest describes a subscription checkout for a new professional.
type CheckoutRequest struct {
	Email          string
	ContinueURL    string
	ProfessionalID string
	DomainID       string
}

// SeatManager adjusts the seat count of a practice subscription.
type SeatManager interface {
	IncrementSeats(ctx context.Context, subscriptionID string) error
}

// CheckoutCreator starts a hosted checkout and returns its URL.
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (string, error)
}

// Provider is both halves of the billing integration.
type Provider interface {
	SeatManager
	CheckoutCreator
}

// ---------------------------------------------------------------------------
// Stripe
// ---------------------------------------------------------------------------

type subscriptionAPI interface {
	Get(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	Update(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

type checkoutAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// Stripe implements Provider on the Stripe API.
type Stripe struct {
	subs     subscriptionAPI
	sessions checkoutAPI
	priceID  string
	logger   zerolog.Logger
}

// NewStripe builds a client for secretKey. priceID is the recurring price
// used for professional checkouts.
func NewStripe(secretKey, priceID string, logger zerolog.Logger) *Stripe {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &Stripe{
		subs:     sc.Subscriptions,
		sessions: sc.CheckoutSessions,
		priceID:  priceID,
		logger:   logger,
	}
}

// IncrementSeats bumps the quantity of the first subscription item by one.
func (s *Stripe) IncrementSeats(ctx context.Context, subscriptionID string) error {
	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx
	sub, err := s.subs.Get(subscriptionID, getParams)
	if err != nil {
		return fmt.Errorf("retrieve subscription %s: %w", subscriptionID, err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return ErrNoSubscriptionItems
	}
	item := sub.Items.Data[0]

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{{
			ID:       stripe.String(item.ID),
			Quantity: stripe.Int64(item.Quantity + 1),
		}},
	}
	params.Context = ctx
	if _, err := s.subs.Update(sub.ID, params); err != nil {
		return fmt.Errorf("update subscription %s: %w", subscriptionID, err)
	}
	s.logger.Info().
		Str("subscription_id", subscriptionID).
		Int64("quantity", item.Quantity+1).
		Msg("subscription seat added")
	return nil
}

func (s *Stripe) CreateCheckout(ctx context.Context, req CheckoutRequest) (string, error) {
	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(s.priceID),
			Quantity: stripe.Int64(1),
		}},
		Mode:          stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:    stripe.String(req.ContinueURL),
		CancelURL:     stripe.String(req.ContinueURL),
		CustomerEmail: stripe.String(req.Email),
	}
	params.Context = ctx
	params.AddMetadata("payment_type", "professional_domain_subscription")
	params.AddMetadata("professional_id", req.ProfessionalID)
	params.AddMetadata("domain_id", req.DomainID)

	sess, err := s.sessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// ---------------------------------------------------------------------------
// No-op provider
// ---------------------------------------------------------------------------

// TestModeURL is where signups land when no payment provider is configured.
const TestModeURL = "https://www.fightpaperwork.com/?q=testmode"

// Noop skips seat changes and sends signups to TestModeURL.
type Noop struct {
	Logger zerolog.Logger
}

func (n Noop) IncrementSeats(_ context.Context, subscriptionID string) error {
	n.Logger.Debug().Str("subscription_id", subscriptionID).Msg("billing disabled, seat increment skipped")
	return nil
}

func (n Noop) CreateCheckout(_ context.Context, _ CheckoutRequest) (string, error) {
	return TestModeURL, nil
}

// ---------------------------------------------------------------------------
// Mock provider (test double)
// ---------------------------------------------------------------------------

// MockProvider counts seat increments per subscription.
type MockProvider struct {
	mu          sync.Mutex
	Seats       map[string]int
	Checkouts   []CheckoutRequest
	CheckoutURL string
	Err         error
}

func (m *MockProvider) IncrementSeats(_ context.Context, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if m.Seats == nil {
		m.Seats = make(map[string]int)
	}
	m.Seats[subscriptionID]++
	return nil
}

func (m *MockProvider) CreateCheckout(_ context.Context, req CheckoutRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.Checkouts = append(m.Checkouts, req)
	return m.CheckoutURL, nil
}

// SeatCount returns the increments recorded for subscriptionID.
func (m *MockProvider) SeatCount(subscriptionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Seats[subscriptionID]
}

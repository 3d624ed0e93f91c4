package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
)

type fakeSubs struct {
	sub     *stripe.Subscription
	updated *stripe.SubscriptionParams
	getErr  error
}

func (f *fakeSubs) Get(id string, _ *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.sub, nil
}

func (f *fakeSubs) Update(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	f.updated = params
	return f.sub, nil
}

type fakeSessions struct {
	params *stripe.CheckoutSessionParams
}

func (f *fakeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.params = params
	return &stripe.CheckoutSession{URL: "https://checkout.test/session"}, nil
}

func TestStripe_IncrementSeats(t *testing.T) {
	subs := &fakeSubs{sub: &stripe.Subscription{
		ID: "sub_1",
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
			{ID: "si_1", Quantity: 3},
		}},
	}}
	s := &Stripe{subs: subs, logger: zerolog.Nop()}

	require.NoError(t, s.IncrementSeats(context.Background(), "sub_1"))
	require.NotNil(t, subs.updated)
	require.Len(t, subs.updated.Items, 1)
	assert.Equal(t, "si_1", *subs.updated.Items[0].ID)
	assert.Equal(t, int64(4), *subs.updated.Items[0].Quantity)
}

func TestStripe_IncrementSeats_NoItems(t *testing.T) {
	s := &Stripe{subs: &fakeSubs{sub: &stripe.Subscription{ID: "sub_1"}}, logger: zerolog.Nop()}
	assert.ErrorIs(t, s.IncrementSeats(context.Background(), "sub_1"), ErrNoSubscriptionItems)
}

func TestStripe_IncrementSeats_GetError(t *testing.T) {
	s := &Stripe{subs: &fakeSubs{getErr: errors.New("boom")}, logger: zerolog.Nop()}
	assert.Error(t, s.IncrementSeats(context.Background(), "sub_1"))
}

func TestStripe_CreateCheckout(t *testing.T) {
	sessions := &fakeSessions{}
	s := &Stripe{sessions: sessions, priceID: "price_basic", logger: zerolog.Nop()}

	url, err := s.CreateCheckout(context.Background(), CheckoutRequest{
		Email:          "doc@example.test",
		ContinueURL:    "https://app.test/continue",
		ProfessionalID: "p1",
		DomainID:       "d1",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.test/session", url)

	p := sessions.params
	assert.Equal(t, "subscription", *p.Mode)
	assert.Equal(t, "price_basic", *p.LineItems[0].Price)
	assert.Equal(t, "doc@example.test", *p.CustomerEmail)
	assert.Equal(t, "https://app.test/continue", *p.SuccessURL)
	assert.Equal(t, "d1", p.Metadata["domain_id"])
	assert.Equal(t, "professional_domain_subscription", p.Metadata["payment_type"])
}

func TestNoop(t *testing.T) {
	n := Noop{Logger: zerolog.Nop()}
	assert.NoError(t, n.IncrementSeats(context.Background(), "sub"))
	url, err := n.CreateCheckout(context.Background(), CheckoutRequest{})
	require.NoError(t, err)
	assert.Equal(t, TestModeURL, url)
}

func TestMockProvider(t *testing.T) {
	m := &MockProvider{}
	_ = m.IncrementSeats(context.Background(), "sub")
	_ = m.IncrementSeats(context.Background(), "sub")
	assert.Equal(t, 2, m.SeatCount("sub"))
}

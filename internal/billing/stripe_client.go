package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v84"

	pkgerrors "github.com/studylane/studylane-backend/pkg/errors"
	pkgstripe "github.com/studylane/studylane-backend/pkg/stripe"
)

// ProcessorClient exposes the subset of Stripe operations the reconciler
// and verifier need. Errors carry CodeNotFound for missing resources and
// CodeDependency for transient processor failures.
type ProcessorClient interface {
	GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
}

type processorClient struct {
	api         *stripe.Client
	callTimeout time.Duration
}

// NewProcessorClient wraps the shared Stripe client for billing lookups.
func NewProcessorClient(client *pkgstripe.Client, callTimeout time.Duration) ProcessorClient {
	if client == nil {
		return nil
	}
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &processorClient{api: client.API(), callTimeout: callTimeout}
}

func (c *processorClient) GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	params := &stripe.CheckoutSessionRetrieveParams{
		Expand: []*string{
			stripe.String("subscription"),
			stripe.String("customer"),
		},
	}
	session, err := c.api.V1CheckoutSessions.Retrieve(ctx, sessionID, params)
	if err != nil {
		return nil, classifyStripeError(err, "retrieve checkout session")
	}
	return session, nil
}

func (c *processorClient) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	params := &stripe.SubscriptionRetrieveParams{
		Expand: []*string{
			stripe.String("customer"),
		},
	}
	sub, err := c.api.V1Subscriptions.Retrieve(ctx, subscriptionID, params)
	if err != nil {
		return nil, classifyStripeError(err, "retrieve subscription")
	}
	return sub, nil
}

func classifyStripeError(err error, op string) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound {
			return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, op)
		}
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, op)
}

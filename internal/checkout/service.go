package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/caretrackhq/caretrack-backend/internal/billing"
	"github.com/caretrackhq/caretrack-backend/pkg/config"
	"github.com/caretrackhq/caretrack-backend/pkg/db/models"
	pkgerrors "github.com/caretrackhq/caretrack-backend/pkg/errors"
	"github.com/caretrackhq/caretrack-backend/pkg/logger"
	pkgstripe "github.com/caretrackhq/caretrack-backend/pkg/stripe"
)

const customerWriteAttempts = 3

// Gateway is the slice of the Stripe client the checkout flow needs.
type Gateway interface {
	CreateCustomer(ctx context.Context, input pkgstripe.CustomerInput) (string, error)
	NewCheckoutSession(ctx context.Context, input pkgstripe.CheckoutSessionInput) (*pkgstripe.CheckoutSession, error)
	NewPortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// OfficeDirectory resolves office profile fields for the Stripe customer.
type OfficeDirectory interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Office, error)
}

type ServiceParams struct {
	Billing *billing.Service
	Offices OfficeDirectory
	Stripe  Gateway
	Config  *config.Config
	Logger  *logger.Logger
	Now     func() time.Time
}

// Service wires offices and billing records into Stripe checkout and portal
// sessions. It owns lazily creating the Stripe customer for an office.
type Service struct {
	billing *billing.Service
	offices OfficeDirectory
	stripe  Gateway
	cfg     *config.Config
	logg    *logger.Logger
	now     func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Billing == nil {
		return nil, errors.New("checkout service requires a billing service")
	}
	if params.Offices == nil {
		return nil, errors.New("checkout service requires an office directory")
	}
	if params.Stripe == nil {
		return nil, errors.New("checkout service requires a stripe gateway")
	}
	if params.Config == nil {
		return nil, errors.New("checkout service requires config")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		billing: params.Billing,
		offices: params.Offices,
		stripe:  params.Stripe,
		cfg:     params.Config,
		logg:    params.Logger,
		now:     now,
	}, nil
}

// StartCheckout creates a subscription checkout session for the office. Any
// trial time still remaining is carried over as the Stripe trial so the first
// charge lands on the trial end date, not on signup.
func (s *Service) StartCheckout(ctx context.Context, officeID uuid.UUID) (*pkgstripe.CheckoutSession, error) {
	rec, err := s.billing.Record(ctx, officeID)
	if err != nil {
		return nil, err
	}
	if rec.StripeSubscriptionID != nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "office already has a subscription")
	}

	office, err := s.offices.Get(ctx, officeID)
	if err != nil {
		return nil, err
	}

	customerID, err := s.ensureCustomer(ctx, rec, office)
	if err != nil {
		return nil, err
	}

	input := pkgstripe.CheckoutSessionInput{
		CustomerID: customerID,
		OfficeID:   office.ID.String(),
		OfficeName: office.Name,
		SuccessURL: s.cfg.App.FrontendURL + "/billing?checkout=success",
		CancelURL:  s.cfg.App.FrontendURL + "/billing?checkout=cancelled",
	}
	if rec.TrialEndDate.After(s.now()) {
		input.TrialEndUnix = rec.TrialEndDate.Unix()
	}

	session, err := s.stripe.NewCheckoutSession(ctx, input)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create checkout session")
	}
	if s.logg != nil {
		ctx = s.logg.WithFields(ctx, map[string]any{
			"office_id":  officeID.String(),
			"session_id": session.ID,
		})
		s.logg.Info(ctx, "billing.checkout.session_created")
	}
	return session, nil
}

// PortalSession opens the Stripe customer portal for subscription
// self-management. Requires the office to already be a Stripe customer.
func (s *Service) PortalSession(ctx context.Context, officeID uuid.UUID) (string, error) {
	rec, err := s.billing.Record(ctx, officeID)
	if err != nil {
		return "", err
	}
	if rec.StripeCustomerID == nil {
		return "", pkgerrors.New(pkgerrors.CodeStateConflict, "office has no billing account yet")
	}

	url, err := s.stripe.NewPortalSession(ctx, *rec.StripeCustomerID, s.cfg.App.FrontendURL+"/billing")
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create portal session")
	}
	return url, nil
}

// ensureCustomer returns the record's Stripe customer, creating and
// persisting one when the office has never checked out before. The persist
// goes through the usual compare-and-swap so a concurrent webhook write is
// never clobbered.
func (s *Service) ensureCustomer(ctx context.Context, rec *models.BillingRecord, office *models.Office) (string, error) {
	if rec.StripeCustomerID != nil {
		return *rec.StripeCustomerID, nil
	}

	customerID, err := s.stripe.CreateCustomer(ctx, pkgstripe.CustomerInput{
		Email:    office.ContactEmail,
		Name:     office.Name,
		OfficeID: office.ID.String(),
	})
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create stripe customer")
	}

	repo := s.billing.Repo()
	for attempt := 0; attempt < customerWriteAttempts; attempt++ {
		if rec.StripeCustomerID != nil {
			// A webhook beat us to it; reuse the existing customer.
			return *rec.StripeCustomerID, nil
		}
		rec.StripeCustomerID = &customerID
		err = repo.UpdateWithVersion(ctx, rec, rec.UpdatedAt)
		if err == nil {
			return customerID, nil
		}
		if !errors.Is(err, billing.ErrStaleRecord) {
			return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "persist stripe customer")
		}
		rec.StripeCustomerID = nil
		fresh, ferr := repo.FindByOfficeID(ctx, office.ID)
		if ferr != nil {
			return "", ferr
		}
		if fresh == nil {
			return "", pkgerrors.New(pkgerrors.CodeNotFound, "billing record disappeared")
		}
		rec = fresh
	}
	return "", pkgerrors.New(pkgerrors.CodeConflict, "billing record kept changing, retry the request")
}

package practice

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fightpaperwork/appeals/internal/platform/apperr"
	"github.com/fightpaperwork/appeals/internal/platform/billing"
	"github.com/fightpaperwork/appeals/internal/platform/db"
	"github.com/fightpaperwork/appeals/internal/platform/metrics"
)

type Service struct {
	tx      db.Transactor
	domains DomainRepository
	members MembershipRepository
	seats   billing.SeatManager
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewService(tx db.Transactor, domains DomainRepository, members MembershipRepository, seats billing.SeatManager, logger zerolog.Logger) *Service {
	return &Service{tx: tx, domains: domains, members: members, seats: seats, logger: logger}
}

// SetMetrics attaches optional Prometheus counters.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Service) count(transition string) {
	if s.metrics != nil {
		s.metrics.MembershipChanges.WithLabelValues(transition).Inc()
	}
}

// -- Domains --

// ResolveDomainID finds a domain by id, then by normalized name (falling back
// to the phone number when the name misses), then by phone number.
func (s *Service) ResolveDomainID(ctx context.Context, ref DomainRef) (uuid.UUID, error) {
	if ref.ID != "" {
		id, err := uuid.Parse(ref.ID)
		if err != nil {
			return uuid.Nil, apperr.Validation("Invalid domain id")
		}
		return id, nil
	}
	if name := NormalizeName(ref.Name); name != "" {
		d, err := s.domains.GetByName(ctx, name)
		if err == nil {
			return d.ID, nil
		}
		if !apperr.Is(err, apperr.CodeNotFound) {
			return uuid.Nil, err
		}
		if ref.Phone == "" {
			return uuid.Nil, apperr.NotFound("Domain does not exist")
		}
	}
	if phone := strings.TrimSpace(ref.Phone); phone != "" {
		d, err := s.domains.GetByPhone(ctx, phone)
		if err != nil {
			if apperr.Is(err, apperr.CodeNotFound) {
				return uuid.Nil, apperr.NotFound("Domain does not exist")
			}
			return uuid.Nil, err
		}
		return d.ID, nil
	}
	return uuid.Nil, apperr.Validation("No domain id, name or phone number provided")
}

// CreateDomain stores a new, inactive domain. Name and visible phone number
// must both be unused.
func (s *Service) CreateDomain(ctx context.Context, d *Domain) error {
	if d.Name != nil {
		n := NormalizeName(*d.Name)
		if n == "" {
			d.Name = nil
		} else {
			d.Name = &n
		}
	}
	d.VisiblePhoneNumber = strings.TrimSpace(d.VisiblePhoneNumber)
	if d.VisiblePhoneNumber == "" {
		return apperr.Validation("visible_phone_number is required")
	}
	if d.DisplayName == "" {
		d.DisplayName = d.NameString()
	}
	if d.DisplayName == "" {
		return apperr.Validation("display_name is required")
	}
	if d.Country == "" {
		d.Country = "USA"
	}

	if d.Name != nil {
		if _, err := s.domains.GetByName(ctx, *d.Name); err == nil {
			return apperr.Validation("Domain already exists")
		} else if !apperr.Is(err, apperr.CodeNotFound) {
			return err
		}
	}
	if _, err := s.domains.GetByPhone(ctx, d.VisiblePhoneNumber); err == nil {
		return apperr.Validation("Visible phone number already exists")
	} else if !apperr.Is(err, apperr.CodeNotFound) {
		return err
	}

	d.Active = false
	return s.domains.Create(ctx, d)
}

func (s *Service) GetDomain(ctx context.Context, id uuid.UUID) (*Domain, error) {
	return s.domains.GetByID(ctx, id)
}

// -- Memberships --

// RequestMembership files a pending membership for a professional.
func (s *Service) RequestMembership(ctx context.Context, professionalID, domainID uuid.UUID, admin bool) (*Membership, error) {
	m := NewMembership(professionalID, domainID, admin)
	if err := s.members.Create(ctx, m); err != nil {
		return nil, err
	}
	s.count("request")
	return m, nil
}

// IsAdmin reports whether userID is an active admin of domainID.
func (s *Service) IsAdmin(ctx context.Context, userID, domainID uuid.UUID) (bool, error) {
	return s.members.IsAdmin(ctx, userID, domainID)
}

// RequireAdmin passes only for an active admin of domainID. A failure of the
// check itself fails closed as Forbidden.
func (s *Service) RequireAdmin(ctx context.Context, userID, domainID uuid.UUID) error {
	if userID == uuid.Nil {
		return apperr.Unauthenticated("Authentication credentials were not provided")
	}
	ok, err := s.IsAdmin(ctx, userID, domainID)
	if err != nil {
		s.logger.Error().Err(err).Str("domain_id", domainID.String()).Msg("admin check failed")
		return apperr.Wrap(err, apperr.CodeForbidden, "Could not verify admin privileges")
	}
	if !ok {
		return apperr.Forbidden("User does not have admin privileges")
	}
	return nil
}

// Accept moves a pending membership to active, activates the professional and
// adds a subscription seat when the domain has a subscription.
func (s *Service) Accept(ctx context.Context, adminUserID, professionalID, domainID uuid.UUID) error {
	if err := s.RequireAdmin(ctx, adminUserID, domainID); err != nil {
		return err
	}

	var subscriptionID string
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		m, err := s.transition(ctx, professionalID, domainID, (*Membership).Accept, "Relation not found or already accepted")
		if err != nil {
			return err
		}
		if err := s.members.SetProfessionalActive(ctx, m.ProfessionalID, true); err != nil {
			return err
		}
		d, err := s.domains.GetByID(ctx, domainID)
		if err != nil {
			return err
		}
		subscriptionID = d.SubscriptionID()
		return nil
	})
	if err != nil {
		return err
	}
	s.count("accept")

	if subscriptionID == "" {
		s.logger.Debug().Str("domain_id", domainID.String()).Msg("no subscription present, skipping seat increment")
		return nil
	}
	if err := s.seats.IncrementSeats(ctx, subscriptionID); err != nil {
		return apperr.Wrap(err, apperr.CodeUpstream, "Professional accepted but the subscription could not be updated")
	}
	return nil
}

// Reject closes a pending membership. There is no way back from rejected.
func (s *Service) Reject(ctx context.Context, adminUserID, professionalID, domainID uuid.UUID) error {
	if err := s.RequireAdmin(ctx, adminUserID, domainID); err != nil {
		return err
	}
	_, err := s.transition(ctx, professionalID, domainID, (*Membership).Reject, "Relation not found or already processed")
	if err == nil {
		s.count("reject")
	}
	return err
}

func (s *Service) Suspend(ctx context.Context, adminUserID, professionalID, domainID uuid.UUID) error {
	if err := s.RequireAdmin(ctx, adminUserID, domainID); err != nil {
		return err
	}
	_, err := s.transition(ctx, professionalID, domainID, (*Membership).Suspend, "Relation not found or not active")
	if err == nil {
		s.count("suspend")
	}
	return err
}

func (s *Service) Unsuspend(ctx context.Context, adminUserID, professionalID, domainID uuid.UUID) error {
	if err := s.RequireAdmin(ctx, adminUserID, domainID); err != nil {
		return err
	}
	_, err := s.transition(ctx, professionalID, domainID, (*Membership).Unsuspend, "Relation not found or not suspended")
	if err == nil {
		s.count("unsuspend")
	}
	return err
}

// transition loads the membership, applies apply, and writes it back guarded
// on the flags it was loaded with. A concurrent change makes the write miss
// and the call fails with NotFound.
func (s *Service) transition(ctx context.Context, professionalID, domainID uuid.UUID, apply func(*Membership) error, notFoundMsg string) (*Membership, error) {
	m, err := s.members.Get(ctx, professionalID, domainID)
	if err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			return nil, apperr.NotFound(notFoundMsg)
		}
		return nil, err
	}
	expect := m.Flags()
	if err := apply(m); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil, apperr.NotFound(notFoundMsg)
		}
		return nil, err
	}
	ok, err := s.members.UpdateFlags(ctx, m, expect)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFound(notFoundMsg)
	}
	return m, nil
}

// ListProfessionals lists a domain's active or pending professionals. The
// caller must be an active member of the domain.
func (s *Service) ListProfessionals(ctx context.Context, userID, domainID uuid.UUID, status MemberStatus) ([]ProfessionalSummary, error) {
	ok, err := s.members.IsActiveMember(ctx, userID, domainID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFound("Not found")
	}
	return s.members.ListProfessionals(ctx, domainID, status)
}

// -- Patients --

func (s *Service) AddPatient(ctx context.Context, patientID, domainID uuid.UUID) error {
	return s.members.AddPatient(ctx, patientID, domainID)
}

func (s *Service) CountPatients(ctx context.Context, domainID uuid.UUID) (int, error) {
	return s.members.CountPatients(ctx, domainID)
}

package practice

import (
	"context"

	"github.com/google/uuid"
)

// DomainRepository defines the persistence interface for domains.
type DomainRepository interface {
	Create(ctx context.Context, d *Domain) error
	GetByID(ctx context.Context, id uuid.UUID) (*Domain, error)
	// GetByName expects an already normalized name.
	GetByName(ctx context.Context, name string) (*Domain, error)
	GetByPhone(ctx context.Context, phone string) (*Domain, error)
}

// MembershipRepository defines the persistence interface for professional
// and patient domain relations.
type MembershipRepository interface {
	Create(ctx context.Context, m *Membership) error
	Get(ctx context.Context, professionalID, domainID uuid.UUID) (*Membership, error)
	// UpdateFlags writes m's flags and derived active column only when the
	// stored flags still equal expect. It reports whether a row changed.
	UpdateFlags(ctx context.Context, m *Membership, expect Flags) (bool, error)
	SetProfessionalActive(ctx context.Context, professionalID uuid.UUID, active bool) error

	IsAdmin(ctx context.Context, userID, domainID uuid.UUID) (bool, error)
	IsActiveMember(ctx context.Context, userID, domainID uuid.UUID) (bool, error)
	ListProfessionals(ctx context.Context, domainID uuid.UUID, status MemberStatus) ([]ProfessionalSummary, error)

	AddPatient(ctx context.Context, patientID, domainID uuid.UUID) error
	CountPatients(ctx context.Context, domainID uuid.UUID) (int, error)
}

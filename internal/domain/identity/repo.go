package identity

import (
	"context"

	"github.com/google/uuid"
)

type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByUsername(ctx context.Context, combined string) (*User, error)
	// Claim sets credentials and names on a pending user.
	Claim(ctx context.Context, u *User) error
	SetPassword(ctx context.Context, userID uuid.UUID, hash string) error
	// Activate marks the user, and any patient or professional profile of
	// theirs, active with a verified email.
	Activate(ctx context.Context, userID uuid.UUID) error
	SaveContactInfo(ctx context.Context, c *ContactInfo) error
}

type ProfileRepository interface {
	CreateProfessional(ctx context.Context, p *Professional) error
	GetProfessionalByUser(ctx context.Context, userID uuid.UUID) (*Professional, error)
	CreatePatient(ctx context.Context, p *Patient) error
	GetPatientByUser(ctx context.Context, userID uuid.UUID) (*Patient, error)
}

type TokenRepository interface {
	// Issue replaces any token of the same purpose held by t.UserID.
	Issue(ctx context.Context, purpose TokenPurpose, t *Token) error
	// Consume deletes and returns the matching token. A zero userID matches
	// on the token value alone. No match is a NotFound error.
	Consume(ctx context.Context, purpose TokenPurpose, userID uuid.UUID, value string) (*Token, error)
}

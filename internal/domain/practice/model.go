package practice

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Domain maps to the domains table. A domain is one practice.
type Domain struct {
	ID                   uuid.UUID `db:"id" json:"id"`
	Name                 *string   `db:"name" json:"name,omitempty"`
	DisplayName          string    `db:"display_name" json:"display_name"`
	BusinessName         *string   `db:"business_name" json:"business_name,omitempty"`
	Active               bool      `db:"active" json:"active"`
	StripeSubscriptionID *string   `db:"stripe_subscription_id" json:"-"`
	VisiblePhoneNumber   string    `db:"visible_phone_number" json:"visible_phone_number"`
	InternalPhoneNumber  *string   `db:"internal_phone_number" json:"internal_phone_number,omitempty"`
	OfficeFax            *string   `db:"office_fax" json:"office_fax,omitempty"`
	Country              string    `db:"country" json:"country"`
	State                string    `db:"state" json:"state"`
	City                 string    `db:"city" json:"city"`
	Address1             string    `db:"address1" json:"address1"`
	Address2             *string   `db:"address2" json:"address2,omitempty"`
	Zipcode              string    `db:"zipcode" json:"zipcode"`
	DefaultProcedure     *string   `db:"default_procedure" json:"default_procedure,omitempty"`
	CoverTemplateString  *string   `db:"cover_template_string" json:"cover_template_string,omitempty"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
}

// SubscriptionID returns the payment provider subscription, or "".
func (d *Domain) SubscriptionID() string {
	if d.StripeSubscriptionID == nil {
		return ""
	}
	return *d.StripeSubscriptionID
}

// NameString returns the normalized name, or "".
func (d *Domain) NameString() string {
	if d.Name == nil {
		return ""
	}
	return *d.Name
}

var namePrefix = regexp.MustCompile(`^https?://(?:www\.)?|^www\.`)

// NormalizeName strips a leading scheme and "www." so that "https://www.x.org"
// and "x.org" name the same domain.
func NormalizeName(name string) string {
	return namePrefix.ReplaceAllString(strings.TrimSpace(name), "")
}

// DomainRef identifies a domain by id, name or visible phone number.
type DomainRef struct {
	ID    string
	Name  string
	Phone string
}

// ---------------------------------------------------------------------------
// Membership
// ---------------------------------------------------------------------------

// ErrInvalidTransition is returned when a membership cannot move to the
// requested state from its current one.
var ErrInvalidTransition = errors.New("invalid membership transition")

// DeriveActive is the only definition of an active membership.
func DeriveActive(pending, suspended, rejected bool) bool {
	return !pending && !suspended && !rejected
}

// Membership binds a professional to a domain. The status flags are
// unexported so Active can only change through the transition methods.
type Membership struct {
	ID               int64
	ProfessionalID   uuid.UUID
	DomainID         uuid.UUID
	Admin            bool
	ReadOnly         bool
	ProfessionalType *string

	pending   bool
	suspended bool
	rejected  bool
	active    bool
}

// NewMembership returns a pending membership request.
func NewMembership(professionalID, domainID uuid.UUID, admin bool) *Membership {
	m := &Membership{ProfessionalID: professionalID, DomainID: domainID, Admin: admin, pending: true}
	m.derive()
	return m
}

// RestoreMembership rebuilds a membership from stored flags. The stored
// active column is ignored and recomputed.
func RestoreMembership(id int64, professionalID, domainID uuid.UUID, admin, readOnly, pending, suspended, rejected bool) *Membership {
	m := &Membership{
		ID:             id,
		ProfessionalID: professionalID,
		DomainID:       domainID,
		Admin:          admin,
		ReadOnly:       readOnly,
		pending:        pending,
		suspended:      suspended,
		rejected:       rejected,
	}
	m.derive()
	return m
}

func (m *Membership) derive() { m.active = DeriveActive(m.pending, m.suspended, m.rejected) }

func (m *Membership) Pending() bool   { return m.pending }
func (m *Membership) Suspended() bool { return m.suspended }
func (m *Membership) Rejected() bool  { return m.rejected }
func (m *Membership) Active() bool    { return m.active }

// Flags is the persisted state of a membership.
type Flags struct {
	Pending, Suspended, Rejected bool
}

func (m *Membership) Flags() Flags {
	return Flags{Pending: m.pending, Suspended: m.suspended, Rejected: m.rejected}
}

// Accept moves a pending request to active.
func (m *Membership) Accept() error {
	if !m.pending || m.rejected {
		return ErrInvalidTransition
	}
	m.pending = false
	m.derive()
	return nil
}

// Reject closes a pending request for good.
func (m *Membership) Reject() error {
	if !m.pending || m.rejected {
		return ErrInvalidTransition
	}
	m.pending = false
	m.rejected = true
	m.derive()
	return nil
}

func (m *Membership) Suspend() error {
	if m.pending || m.rejected || m.suspended {
		return ErrInvalidTransition
	}
	m.suspended = true
	m.derive()
	return nil
}

func (m *Membership) Unsuspend() error {
	if m.pending || m.rejected || !m.suspended {
		return ErrInvalidTransition
	}
	m.suspended = false
	m.derive()
	return nil
}

func (m *Membership) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID             int64     `json:"id"`
		ProfessionalID uuid.UUID `json:"professional_id"`
		DomainID       uuid.UUID `json:"domain_id"`
		Admin          bool      `json:"admin"`
		ReadOnly       bool      `json:"read_only"`
		Pending        bool      `json:"pending"`
		Suspended      bool      `json:"suspended"`
		Rejected       bool      `json:"rejected"`
		Active         bool      `json:"active"`
	}{m.ID, m.ProfessionalID, m.DomainID, m.Admin, m.ReadOnly, m.pending, m.suspended, m.rejected, m.active})
}

// MemberStatus selects memberships when listing a domain's professionals.
type MemberStatus int

const (
	StatusActive MemberStatus = iota
	StatusPending
)

// ProfessionalSummary is a row of the active/pending professional lists.
type ProfessionalSummary struct {
	ProfessionalUserID uuid.UUID `json:"professional_user_id"`
	NPI                string    `json:"npi"`
	Name               string    `json:"name"`
}

package identity

import (
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fightpaperwork/appeals/internal/domain/practice"
	"github.com/fightpaperwork/appeals/internal/platform/apperr"
)

// usernameSeparator joins a raw username and its domain id. Raw usernames may
// not contain it.
const usernameSeparator = "🐼"

// DefaultTokenTTL is how long verification and reset tokens stay valid.
const DefaultTokenTTL = 24 * time.Hour

const minPasswordLength = 8

// CombineUsername scopes a raw username to a domain so the same name can be
// registered once per practice.
func CombineUsername(raw string, domainID uuid.UUID) string {
	return raw + usernameSeparator + domainID.String()
}

// SplitUsername is the inverse of CombineUsername.
func SplitUsername(combined string) (raw string, domainID uuid.UUID, ok bool) {
	raw, rest, found := strings.Cut(combined, usernameSeparator)
	if !found {
		return "", uuid.Nil, false
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return "", uuid.Nil, false
	}
	return raw, id, true
}

func ValidUsername(raw string) bool {
	return strings.TrimSpace(raw) != "" && !strings.Contains(raw, usernameSeparator)
}

// FakeEmail stands in for patients created by a professional without an
// address.
func FakeEmail() string {
	return uuid.NewString() + "-fake@fighthealthinsurance.com"
}

// User maps to the users table.
type User struct {
	ID            uuid.UUID `db:"id" json:"id"`
	Username      string    `db:"username" json:"-"`
	Email         string    `db:"email" json:"email"`
	PasswordHash  *string   `db:"password_hash" json:"-"`
	FirstName     string    `db:"first_name" json:"first_name"`
	LastName      string    `db:"last_name" json:"last_name"`
	Active        bool      `db:"active" json:"active"`
	EmailVerified bool      `db:"email_verified" json:"email_verified"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Pending reports whether the user was created on someone else's behalf and
// has never set a password.
func (u *User) Pending() bool {
	return u.PasswordHash == nil && !u.Active
}

// ContactInfo maps to the user_contact_info table.
type ContactInfo struct {
	UserID      uuid.UUID `db:"user_id"`
	PhoneNumber *string   `db:"phone_number"`
	Country     string    `db:"country"`
	State       string    `db:"state"`
	City        string    `db:"city"`
	Address1    string    `db:"address1"`
	Address2    *string   `db:"address2"`
	Zipcode     string    `db:"zipcode"`
}

// Professional maps to the professional_users table.
type Professional struct {
	ID               uuid.UUID `db:"id" json:"id"`
	UserID           uuid.UUID `db:"user_id" json:"user_id"`
	NPINumber        *string   `db:"npi_number" json:"npi_number,omitempty"`
	Active           bool      `db:"active" json:"active"`
	ProviderType     *string   `db:"provider_type" json:"provider_type,omitempty"`
	MostCommonDenial *string   `db:"most_common_denial" json:"most_common_denial,omitempty"`
	FaxNumber        *string   `db:"fax_number" json:"fax_number,omitempty"`
	DisplayName      *string   `db:"display_name" json:"display_name,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// Patient maps to the patient_users table.
type Patient struct {
	ID          uuid.UUID `db:"id" json:"id"`
	UserID      uuid.UUID `db:"user_id" json:"user_id"`
	Active      bool      `db:"active" json:"active"`
	DisplayName *string   `db:"display_name" json:"display_name,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

// TokenPurpose selects the token table. Each purpose holds at most one token
// per user.
type TokenPurpose string

const (
	TokenVerification TokenPurpose = "verification"
	TokenReset        TokenPurpose = "reset"
)

type Token struct {
	UserID    uuid.UUID
	Value     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewToken returns an unsaved token for userID. A non-positive ttl falls back
// to DefaultTokenTTL.
func NewToken(userID uuid.UUID, now time.Time, ttl time.Duration) *Token {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Token{UserID: userID, Value: uuid.NewString(), CreatedAt: now, ExpiresAt: now.Add(ttl)}
}

// Expired reports whether the token can no longer be used at now.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// ---------------------------------------------------------------------------
// Acting identity
// ---------------------------------------------------------------------------

// Actor is the identity a request acts as. Zero ids mean the user has no
// profile of that kind.
type Actor struct {
	UserID         uuid.UUID
	ProfessionalID uuid.UUID
	PatientID      uuid.UUID
	DomainID       uuid.UUID
}

func (a Actor) IsProfessional() bool { return a.ProfessionalID != uuid.Nil }
func (a Actor) IsPatient() bool      { return a.PatientID != uuid.Nil }

type Role string

const (
	RoleNone         Role = "none"
	RolePatient      Role = "patient"
	RoleProfessional Role = "professional"
	RoleAdmin        Role = "admin"
)

func HighestRole(patient, professional, admin bool) Role {
	switch {
	case admin:
		return RoleAdmin
	case professional:
		return RoleProfessional
	case patient:
		return RolePatient
	default:
		return RoleNone
	}
}

type WhoAmI struct {
	Email                 string     `json:"email"`
	DomainName            string     `json:"domain_name"`
	Patient               bool       `json:"patient"`
	Professional          bool       `json:"professional"`
	CurrentProfessionalID *uuid.UUID `json:"current_professional_id"`
	HighestRole           Role       `json:"highest_role"`
	Admin                 bool       `json:"admin"`
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

type UserSignupInfo struct {
	DomainName         string `json:"domain_name"`
	VisiblePhoneNumber string `json:"visible_phone_number"`
	ContinueURL        string `json:"continue_url"`
	Username           string `json:"username"`
	FirstName          string `json:"first_name"`
	LastName           string `json:"last_name"`
	Password           string `json:"password"`
	Email              string `json:"email"`
}

func (u *UserSignupInfo) Validate() error {
	if u.VisiblePhoneNumber == "" {
		return apperr.Validation("visible_phone_number is required")
	}
	return validateAccount(u.Username, u.Password, u.Email, u.FirstName, u.LastName)
}

// DomainInfo describes a practice created at signup.
type DomainInfo struct {
	Name                *string `json:"name"`
	DisplayName         string  `json:"display_name"`
	BusinessName        *string `json:"business_name"`
	VisiblePhoneNumber  *string `json:"visible_phone_number"`
	InternalPhoneNumber *string `json:"internal_phone_number"`
	OfficeFax           *string `json:"office_fax"`
	Country             string  `json:"country"`
	State               string  `json:"state"`
	City                string  `json:"city"`
	Address1            string  `json:"address1"`
	Address2            *string `json:"address2"`
	Zipcode             string  `json:"zipcode"`
	DefaultProcedure    *string `json:"default_procedure"`
	CoverTemplateString *string `json:"cover_template_string"`
}

func (d *DomainInfo) toDomain() *practice.Domain {
	out := &practice.Domain{
		Name:                d.Name,
		DisplayName:         d.DisplayName,
		BusinessName:        d.BusinessName,
		InternalPhoneNumber: d.InternalPhoneNumber,
		OfficeFax:           d.OfficeFax,
		Country:             d.Country,
		State:               d.State,
		City:                d.City,
		Address1:            d.Address1,
		Address2:            d.Address2,
		Zipcode:             d.Zipcode,
		DefaultProcedure:    d.DefaultProcedure,
		CoverTemplateString: d.CoverTemplateString,
	}
	if d.VisiblePhoneNumber != nil {
		out.VisiblePhoneNumber = *d.VisiblePhoneNumber
	}
	return out
}

var npiPattern = regexp.MustCompile(`^\d{10}$`)

type ProfessionalSignup struct {
	UserSignupInfo UserSignupInfo `json:"user_signup_info"`
	MakeNewDomain  bool           `json:"make_new_domain"`
	SkipStripe     bool           `json:"skip_stripe"`
	UserDomain     *DomainInfo    `json:"user_domain"`
	NPINumber      string         `json:"npi_number"`
	ProviderType   string         `json:"provider_type"`
}

func (p *ProfessionalSignup) Validate() error {
	if err := p.UserSignupInfo.Validate(); err != nil {
		return err
	}
	if p.NPINumber != "" && !npiPattern.MatchString(p.NPINumber) {
		return apperr.Validation("Invalid NPI number format.")
	}
	return nil
}

type PatientSignup struct {
	Username            string `json:"username"`
	Password            string `json:"password"`
	Email               string `json:"email"`
	FirstName           string `json:"first_name"`
	LastName            string `json:"last_name"`
	DomainName          string `json:"domain_name"`
	ProviderPhoneNumber string `json:"provider_phone_number"`
	PatientPhoneNumber  string `json:"patient_phone_number"`
	Country             string `json:"country"`
	State               string `json:"state"`
	City                string `json:"city"`
	Address1            string `json:"address1"`
	Address2            string `json:"address2"`
	Zipcode             string `json:"zipcode"`
}

func (p *PatientSignup) Validate() error {
	if err := validateAccount(p.Username, p.Password, p.Email, p.FirstName, p.LastName); err != nil {
		return err
	}
	if p.State == "" || p.City == "" || p.Address1 == "" || p.Zipcode == "" {
		return apperr.Validation("state, city, address1 and zipcode are required")
	}
	if p.Country == "" {
		p.Country = "USA"
	}
	return nil
}

func validateAccount(username, password, email, first, last string) error {
	if !ValidUsername(username) {
		return apperr.Validation("Invalid username")
	}
	if len(password) < minPasswordLength {
		return apperr.Validation("Password must be at least 8 characters.")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return apperr.Validation("Enter a valid email address.")
	}
	if first == "" || last == "" {
		return apperr.Validation("first_name and last_name are required")
	}
	return nil
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Domain   string `json:"domain"`
	Phone    string `json:"phone"`
}

type PendingPatientRequest struct {
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// SignupResult is returned by professional signup.
type SignupResult struct {
	UserID         uuid.UUID `json:"-"`
	ProfessionalID uuid.UUID `json:"-"`
	DomainID       uuid.UUID `json:"-"`
	NextURL        string    `json:"next_url"`
}

package identity

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fightpaperwork/appeals/internal/domain/practice"
	"github.com/fightpaperwork/appeals/internal/platform/apperr"
	"github.com/fightpaperwork/appeals/internal/platform/auth"
	"github.com/fightpaperwork/appeals/internal/platform/billing"
	"github.com/fightpaperwork/appeals/internal/platform/db"
	"github.com/fightpaperwork/appeals/internal/platform/metrics"
	"github.com/fightpaperwork/appeals/internal/platform/notification"
)

// Practices is the slice of the practice service that account flows use.
type Practices interface {
	ResolveDomainID(ctx context.Context, ref practice.DomainRef) (uuid.UUID, error)
	CreateDomain(ctx context.Context, d *practice.Domain) error
	GetDomain(ctx context.Context, id uuid.UUID) (*practice.Domain, error)
	RequestMembership(ctx context.Context, professionalID, domainID uuid.UUID, admin bool) (*practice.Membership, error)
	IsAdmin(ctx context.Context, userID, domainID uuid.UUID) (bool, error)
	AddPatient(ctx context.Context, patientID, domainID uuid.UUID) error
}

// Mailer sends a templated email. *notification.Notifier satisfies it.
type Mailer interface {
	Send(ctx context.Context, templateID, to string, data map[string]string) error
}

type Options struct {
	TokenTTL    time.Duration
	FrontendURL string
}

type Service struct {
	tx        db.Transactor
	users     UserRepository
	profiles  ProfileRepository
	tokens    TokenRepository
	practices Practices
	checkout  billing.CheckoutCreator
	mail      Mailer
	opts      Options
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(
	tx db.Transactor,
	users UserRepository,
	profiles ProfileRepository,
	tokens TokenRepository,
	practices Practices,
	checkout billing.CheckoutCreator,
	mail Mailer,
	opts Options,
	logger zerolog.Logger,
) *Service {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	opts.FrontendURL = strings.TrimRight(opts.FrontendURL, "/")
	return &Service{
		tx: tx, users: users, profiles: profiles, tokens: tokens,
		practices: practices, checkout: checkout, mail: mail,
		opts: opts, logger: logger, now: time.Now,
	}
}

func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Service) tokenOutcome(purpose TokenPurpose, outcome string) {
	if s.metrics != nil {
		s.metrics.TokensConsumed.WithLabelValues(string(purpose), outcome).Inc()
	}
}

func (s *Service) signup(kind string) {
	if s.metrics != nil {
		s.metrics.Signups.WithLabelValues(kind).Inc()
	}
}

// -- Signup --

// SignupProfessional registers an inactive professional, optionally with a
// new practice, files a pending membership (admin for a new practice) and
// emails a verification link. The result carries the URL to continue at.
func (s *Service) SignupProfessional(ctx context.Context, req *ProfessionalSignup) (*SignupResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	info := req.UserSignupInfo

	var (
		res   SignupResult
		user  *User
		token *Token
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		domainID, err := s.signupDomain(ctx, req)
		if err != nil {
			return err
		}
		res.DomainID = domainID

		user, err = s.createAccount(ctx, info.Username, domainID, info.Email, info.Password, info.FirstName, info.LastName)
		if err != nil {
			return err
		}
		res.UserID = user.ID

		prof := &Professional{UserID: user.ID, NPINumber: optional(req.NPINumber), ProviderType: optional(req.ProviderType)}
		if err := s.profiles.CreateProfessional(ctx, prof); err != nil {
			return err
		}
		res.ProfessionalID = prof.ID

		if _, err := s.practices.RequestMembership(ctx, prof.ID, domainID, req.MakeNewDomain); err != nil {
			return err
		}

		token = NewToken(user.ID, s.now(), s.opts.TokenTTL)
		return s.tokens.Issue(ctx, TokenVerification, token)
	})
	if err != nil {
		return nil, err
	}
	s.signup("professional")
	s.sendVerification(ctx, user, token)

	if req.SkipStripe {
		res.NextURL = billing.TestModeURL
		return &res, nil
	}
	next, err := s.checkout.CreateCheckout(ctx, billing.CheckoutRequest{
		Email:          info.Email,
		ContinueURL:    info.ContinueURL,
		ProfessionalID: res.ProfessionalID.String(),
		DomainID:       res.DomainID.String(),
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeUpstream, "Could not start checkout")
	}
	res.NextURL = next
	return &res, nil
}

// signupDomain resolves the practice to join, or creates it.
func (s *Service) signupDomain(ctx context.Context, req *ProfessionalSignup) (uuid.UUID, error) {
	info := req.UserSignupInfo
	if !req.MakeNewDomain {
		id, err := s.practices.ResolveDomainID(ctx, practice.DomainRef{Name: info.DomainName, Phone: info.VisiblePhoneNumber})
		if apperr.Is(err, apperr.CodeNotFound) {
			return uuid.Nil, apperr.Validation("Domain does not exist")
		}
		return id, err
	}

	if req.UserDomain == nil {
		return uuid.Nil, apperr.Validation("Need domain info when making a new domain or solo provider")
	}
	d := *req.UserDomain
	switch {
	case d.Name == nil || *d.Name == "":
		if info.DomainName != "" {
			name := info.DomainName
			d.Name = &name
		}
	case practice.NormalizeName(*d.Name) != practice.NormalizeName(info.DomainName):
		return uuid.Nil, apperr.Validation("Domain name and user domain name must match")
	}
	switch {
	case d.VisiblePhoneNumber == nil || *d.VisiblePhoneNumber == "":
		phone := info.VisiblePhoneNumber
		d.VisiblePhoneNumber = &phone
	case *d.VisiblePhoneNumber != info.VisiblePhoneNumber:
		return uuid.Nil, apperr.Validation("Visible phone number and user domain visible phone number must match")
	}

	dom := d.toDomain()
	if err := s.practices.CreateDomain(ctx, dom); err != nil {
		return uuid.Nil, err
	}
	return dom.ID, nil
}

// createAccount creates an inactive user in domainID, or claims a pending
// user of the same name that a professional created earlier.
func (s *Service) createAccount(ctx context.Context, raw string, domainID uuid.UUID, email, password, first, last string) (*User, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, apperr.Validation("Invalid password")
	}
	u := &User{
		Username:     CombineUsername(raw, domainID),
		Email:        email,
		PasswordHash: &hash,
		FirstName:    first,
		LastName:     last,
	}

	existing, err := s.users.GetByUsername(ctx, u.Username)
	switch {
	case err == nil:
		if !existing.Pending() {
			return nil, apperr.Validation("Username already taken")
		}
		u.ID = existing.ID
		if err := s.users.Claim(ctx, u); err != nil {
			return nil, err
		}
		return u, nil
	case apperr.Is(err, apperr.CodeNotFound):
		if err := s.users.Create(ctx, u); err != nil {
			return nil, err
		}
		return u, nil
	default:
		return nil, err
	}
}

// SignupPatient registers an inactive patient in the practice named by
// domain name or provider phone number.
func (s *Service) SignupPatient(ctx context.Context, req *PatientSignup) error {
	if err := req.Validate(); err != nil {
		return err
	}

	var (
		user  *User
		token *Token
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		domainID, err := s.practices.ResolveDomainID(ctx, practice.DomainRef{Name: req.DomainName, Phone: req.ProviderPhoneNumber})
		if err != nil {
			return err
		}
		user, err = s.createAccount(ctx, req.Username, domainID, req.Email, req.Password, req.FirstName, req.LastName)
		if err != nil {
			return err
		}
		if err := s.users.SaveContactInfo(ctx, &ContactInfo{
			UserID:      user.ID,
			PhoneNumber: optional(req.PatientPhoneNumber),
			Country:     req.Country,
			State:       req.State,
			City:        req.City,
			Address1:    req.Address1,
			Address2:    optional(req.Address2),
			Zipcode:     req.Zipcode,
		}); err != nil {
			return err
		}
		patient, err := s.ensurePatient(ctx, user.ID)
		if err != nil {
			return err
		}
		if err := s.practices.AddPatient(ctx, patient.ID, domainID); err != nil {
			return err
		}
		token = NewToken(user.ID, s.now(), s.opts.TokenTTL)
		return s.tokens.Issue(ctx, TokenVerification, token)
	})
	if err != nil {
		return err
	}
	s.signup("patient")
	s.sendVerification(ctx, user, token)
	return nil
}

func (s *Service) ensurePatient(ctx context.Context, userID uuid.UUID) (*Patient, error) {
	p, err := s.profiles.GetPatientByUser(ctx, userID)
	if err == nil {
		return p, nil
	}
	if !apperr.Is(err, apperr.CodeNotFound) {
		return nil, err
	}
	p = &Patient{UserID: userID}
	if err := s.profiles.CreatePatient(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetOrCreatePendingPatient finds or creates an inactive patient in domainID
// on behalf of a professional. A blank username gets a placeholder address.
func (s *Service) GetOrCreatePendingPatient(ctx context.Context, domainID uuid.UUID, req *PendingPatientRequest) (*Patient, error) {
	if domainID == uuid.Nil {
		return nil, apperr.Validation("Domain ID not found in session")
	}
	if req.FirstName == "" || req.LastName == "" {
		return nil, apperr.Validation("first_name and last_name are required")
	}
	email := strings.TrimSpace(req.Username)
	if email == "" {
		email = FakeEmail()
	}
	if !ValidUsername(email) {
		return nil, apperr.Validation("Invalid username")
	}

	var patient *Patient
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		username := CombineUsername(email, domainID)
		u, err := s.users.GetByUsername(ctx, username)
		if apperr.Is(err, apperr.CodeNotFound) {
			u = &User{Username: username, Email: email, FirstName: req.FirstName, LastName: req.LastName}
			err = s.users.Create(ctx, u)
		}
		if err != nil {
			return err
		}
		if patient, err = s.ensurePatient(ctx, u.ID); err != nil {
			return err
		}
		return s.practices.AddPatient(ctx, patient.ID, domainID)
	})
	if err != nil {
		return nil, err
	}
	return patient, nil
}

// -- Login --

// Login checks credentials for a username scoped to the practice named by
// domain or phone and returns the user with the resolved domain id.
func (s *Service) Login(ctx context.Context, req *LoginRequest) (*User, uuid.UUID, error) {
	domainID, err := s.practices.ResolveDomainID(ctx, practice.DomainRef{Name: req.Domain, Phone: req.Phone})
	if err != nil {
		msg := err.Error()
		var ae *apperr.Error
		if errors.As(err, &ae) {
			msg = ae.Message
		}
		return nil, uuid.Nil, apperr.Validation("Domain or phone number not found -- " + msg)
	}

	u, err := s.users.GetByUsername(ctx, CombineUsername(req.Username, domainID))
	if apperr.Is(err, apperr.CodeNotFound) {
		return nil, uuid.Nil, apperr.Unauthenticated("Invalid credentials")
	}
	if err != nil {
		return nil, uuid.Nil, err
	}
	if u.PasswordHash == nil || !auth.CheckPassword(*u.PasswordHash, req.Password) {
		return nil, uuid.Nil, apperr.Unauthenticated("Invalid credentials")
	}
	if !u.Active {
		return nil, uuid.Nil, apperr.Unauthenticated("User is inactive -- please verify your e-mail")
	}
	s.logger.Info().Str("user_id", u.ID.String()).Str("domain_id", domainID.String()).Msg("user logged in")
	return u, domainID, nil
}

// -- Email verification --

// VerifyEmail consumes the user's verification token and activates the
// account in the same transaction. An expired token is still deleted.
func (s *Service) VerifyEmail(ctx context.Context, userID uuid.UUID, value string) error {
	outcome := "error"
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		t, err := s.tokens.Consume(ctx, TokenVerification, userID, value)
		if apperr.Is(err, apperr.CodeNotFound) {
			outcome = "invalid"
			return apperr.Validation("Invalid activation link")
		}
		if err != nil {
			return err
		}
		if t.Expired(s.now()) {
			outcome = "expired"
			return db.CommitAnyway(apperr.Expired("Activation link has expired"))
		}
		if err := s.users.Activate(ctx, userID); err != nil {
			return err
		}
		outcome = "consumed"
		return nil
	})
	s.tokenOutcome(TokenVerification, outcome)
	return err
}

// ResendVerification issues a fresh verification token, replacing the old one.
func (s *Service) ResendVerification(ctx context.Context, userID uuid.UUID) error {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if u.Active && u.EmailVerified {
		return apperr.Validation("User is already verified")
	}
	t := NewToken(u.ID, s.now(), s.opts.TokenTTL)
	if err := s.tokens.Issue(ctx, TokenVerification, t); err != nil {
		return err
	}
	s.sendVerification(ctx, u, t)
	return nil
}

func (s *Service) sendVerification(ctx context.Context, u *User, t *Token) {
	link := s.opts.FrontendURL + "/verify-email?" + url.Values{
		"token": {t.Value},
		"uid":   {u.ID.String()},
	}.Encode()
	s.notify(ctx, notification.TemplateVerifyEmail, u.Email, map[string]string{
		"verify_link": link,
		"expires_in":  t.ExpiresAt.Sub(t.CreatedAt).String(),
	})
}

// notify sends an email and only logs a failure: the account change it
// announces has already been committed and can be re-requested.
func (s *Service) notify(ctx context.Context, templateID, to string, data map[string]string) {
	err := s.mail.Send(ctx, templateID, to, data)
	if s.metrics != nil {
		s.metrics.EmailsSent.WithLabelValues(templateID, metrics.Outcome(err)).Inc()
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("template", templateID).Msg("notification not delivered")
	}
}

// -- Password reset --

// RequestReset issues a reset token for the named user and emails it. Any
// earlier reset token stops working.
func (s *Service) RequestReset(ctx context.Context, username, domain, phone string) error {
	domainID, err := s.practices.ResolveDomainID(ctx, practice.DomainRef{Name: domain, Phone: phone})
	if err != nil {
		return apperr.Validation("Domain or phone number not found")
	}
	u, err := s.users.GetByUsername(ctx, CombineUsername(username, domainID))
	if apperr.Is(err, apperr.CodeNotFound) {
		return apperr.Validation("User does not exist")
	}
	if err != nil {
		return err
	}
	t := NewToken(u.ID, s.now(), s.opts.TokenTTL)
	if err := s.tokens.Issue(ctx, TokenReset, t); err != nil {
		return err
	}
	s.notify(ctx, notification.TemplatePasswordReset, u.Email, map[string]string{
		"reset_link": s.opts.FrontendURL + "/reset-password?" + url.Values{"token": {t.Value}}.Encode(),
	})
	return nil
}

// FinishReset consumes a reset token and sets the new password in the same
// transaction.
func (s *Service) FinishReset(ctx context.Context, value, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return apperr.Validation("Password must be at least 8 characters.")
	}
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return apperr.Validation("Invalid password")
	}
	outcome := "error"
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		t, err := s.tokens.Consume(ctx, TokenReset, uuid.Nil, value)
		if apperr.Is(err, apperr.CodeNotFound) {
			outcome = "invalid"
			return apperr.Validation("Invalid reset token")
		}
		if err != nil {
			return err
		}
		if t.Expired(s.now()) {
			outcome = "expired"
			return db.CommitAnyway(apperr.Validation("Reset token has expired"))
		}
		if err := s.users.SetPassword(ctx, t.UserID, hash); err != nil {
			return err
		}
		outcome = "consumed"
		return nil
	})
	s.tokenOutcome(TokenReset, outcome)
	return err
}

// -- Session identity --

// WhoAmI describes the user and their role in the session's practice.
func (s *Service) WhoAmI(ctx context.Context, userID, domainID uuid.UUID) (*WhoAmI, error) {
	if domainID == uuid.Nil {
		return nil, apperr.Validation("Domain ID not found in session")
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	d, err := s.practices.GetDomain(ctx, domainID)
	if err != nil {
		return nil, err
	}

	out := &WhoAmI{Email: u.Email, DomainName: d.NameString()}
	if p, err := s.profiles.GetPatientByUser(ctx, userID); err == nil {
		out.Patient = p.Active
	} else if !apperr.Is(err, apperr.CodeNotFound) {
		return nil, err
	}
	if p, err := s.profiles.GetProfessionalByUser(ctx, userID); err == nil && p.Active {
		out.Professional = true
		id := p.ID
		out.CurrentProfessionalID = &id
		if out.Admin, err = s.practices.IsAdmin(ctx, userID, domainID); err != nil {
			return nil, err
		}
	} else if err != nil && !apperr.Is(err, apperr.CodeNotFound) {
		return nil, err
	}
	out.HighestRole = HighestRole(out.Patient, out.Professional, out.Admin)
	return out, nil
}

// ResolveActor loads the profiles of the session user. Profiles are included
// whether or not they are active; visibility rules decide what they unlock.
func (s *Service) ResolveActor(ctx context.Context, userID, domainID uuid.UUID) (Actor, error) {
	a := Actor{UserID: userID, DomainID: domainID}
	if userID == uuid.Nil {
		return a, apperr.Unauthenticated("Authentication credentials were not provided")
	}
	if p, err := s.profiles.GetProfessionalByUser(ctx, userID); err == nil {
		a.ProfessionalID = p.ID
	} else if !apperr.Is(err, apperr.CodeNotFound) {
		return a, err
	}
	if p, err := s.profiles.GetPatientByUser(ctx, userID); err == nil {
		a.PatientID = p.ID
	} else if !apperr.Is(err, apperr.CodeNotFound) {
		return a, err
	}
	return a, nil
}

func optional(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}

package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fightpaperwork/appeals/internal/platform/apperr"
	"github.com/fightpaperwork/appeals/internal/platform/db"
)

// -- User Repository --

type userRepoPG struct {
	db db.Querier
}

func NewUserRepo(q db.Querier) UserRepository {
	return &userRepoPG{db: q}
}

func (r *userRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.db)
}

const userColumns = `id, username, email, password_hash, first_name, last_name,
	active, email_verified, created_at, updated_at`

func (r *userRepoPG) scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName,
		&u.Active, &u.EmailVerified, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("User not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO users (id, username, email, password_hash, first_name, last_name, active, email_verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Active, u.EmailVerified,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.scanUser(r.conn(ctx).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *userRepoPG) GetByUsername(ctx context.Context, combined string) (*User, error) {
	return r.scanUser(r.conn(ctx).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, combined))
}

func (r *userRepoPG) Claim(ctx context.Context, u *User) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE users SET password_hash = $2, email = $3, first_name = $4, last_name = $5, updated_at = NOW()
		WHERE id = $1 AND password_hash IS NULL AND NOT active`,
		u.ID, u.PasswordHash, u.Email, u.FirstName, u.LastName)
	if err != nil {
		return fmt.Errorf("claim user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Validation("Username already taken")
	}
	return nil
}

func (r *userRepoPG) SetPassword(ctx context.Context, userID uuid.UUID, hash string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, userID, hash)
	if err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("User not found")
	}
	return nil
}

func (r *userRepoPG) Activate(ctx context.Context, userID uuid.UUID) error {
	q := r.conn(ctx)
	tag, err := q.Exec(ctx,
		`UPDATE users SET active = TRUE, email_verified = TRUE, updated_at = NOW() WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("activate user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("User not found")
	}
	if _, err := q.Exec(ctx, `UPDATE patient_users SET active = TRUE WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("activate patient: %w", err)
	}
	if _, err := q.Exec(ctx, `UPDATE professional_users SET active = TRUE WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("activate professional: %w", err)
	}
	return nil
}

func (r *userRepoPG) SaveContactInfo(ctx context.Context, c *ContactInfo) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO user_contact_info (user_id, phone_number, country, state, city, address1, address2, zipcode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			phone_number = EXCLUDED.phone_number, country = EXCLUDED.country,
			state = EXCLUDED.state, city = EXCLUDED.city,
			address1 = EXCLUDED.address1, address2 = EXCLUDED.address2,
			zipcode = EXCLUDED.zipcode`,
		c.UserID, c.PhoneNumber, c.Country, c.State, c.City, c.Address1, c.Address2, c.Zipcode)
	if err != nil {
		return fmt.Errorf("save contact info: %w", err)
	}
	return nil
}

// -- Profile Repository --

type profileRepoPG struct {
	db db.Querier
}

func NewProfileRepo(q db.Querier) ProfileRepository {
	return &profileRepoPG{db: q}
}

func (r *profileRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.db)
}

func (r *profileRepoPG) CreateProfessional(ctx context.Context, p *Professional) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO professional_users (id, user_id, npi_number, active, provider_type, most_common_denial, fax_number, display_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		p.ID, p.UserID, p.NPINumber, p.Active, p.ProviderType, p.MostCommonDenial, p.FaxNumber, p.DisplayName,
	).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert professional: %w", err)
	}
	return nil
}

func (r *profileRepoPG) GetProfessionalByUser(ctx context.Context, userID uuid.UUID) (*Professional, error) {
	var p Professional
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, user_id, npi_number, active, provider_type, most_common_denial, fax_number, display_name, created_at
		FROM professional_users WHERE user_id = $1`, userID,
	).Scan(&p.ID, &p.UserID, &p.NPINumber, &p.Active, &p.ProviderType, &p.MostCommonDenial, &p.FaxNumber, &p.DisplayName, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Professional not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get professional: %w", err)
	}
	return &p, nil
}

func (r *profileRepoPG) CreatePatient(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_users (id, user_id, active, display_name)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		p.ID, p.UserID, p.Active, p.DisplayName,
	).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *profileRepoPG) GetPatientByUser(ctx context.Context, userID uuid.UUID) (*Patient, error) {
	var p Patient
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, user_id, active, display_name, created_at
		FROM patient_users WHERE user_id = $1`, userID,
	).Scan(&p.ID, &p.UserID, &p.Active, &p.DisplayName, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Patient not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return &p, nil
}

// -- Token Repository --

type tokenRepoPG struct {
	db db.Querier
}

func NewTokenRepo(q db.Querier) TokenRepository {
	return &tokenRepoPG{db: q}
}

func (r *tokenRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.db)
}

func tokenTable(purpose TokenPurpose) (string, error) {
	switch purpose {
	case TokenVerification:
		return "verification_tokens", nil
	case TokenReset:
		return "reset_tokens", nil
	default:
		return "", fmt.Errorf("unknown token purpose %q", purpose)
	}
}

func (r *tokenRepoPG) Issue(ctx context.Context, purpose TokenPurpose, t *Token) error {
	table, err := tokenTable(purpose)
	if err != nil {
		return err
	}
	// The upsert replaces the previous token in one statement, so a stale
	// token can never outlive the new one.
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO `+table+` (user_id, token, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			token = EXCLUDED.token, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		t.UserID, t.Value, t.CreatedAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("issue %s: %w", table, err)
	}
	return nil
}

func (r *tokenRepoPG) Consume(ctx context.Context, purpose TokenPurpose, userID uuid.UUID, value string) (*Token, error) {
	table, err := tokenTable(purpose)
	if err != nil {
		return nil, err
	}
	var row pgx.Row
	if userID == uuid.Nil {
		row = r.conn(ctx).QueryRow(ctx,
			`DELETE FROM `+table+` WHERE token = $1 RETURNING user_id, token, created_at, expires_at`, value)
	} else {
		row = r.conn(ctx).QueryRow(ctx,
			`DELETE FROM `+table+` WHERE user_id = $1 AND token = $2 RETURNING user_id, token, created_at, expires_at`,
			userID, value)
	}
	var t Token
	err = row.Scan(&t.UserID, &t.Value, &t.CreatedAt, &t.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", table, err)
	}
	return &t, nil
}

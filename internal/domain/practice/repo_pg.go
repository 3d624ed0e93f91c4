package practice

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fightpaperwork/appeals/internal/platform/apperr"
	"github.com/fightpaperwork/appeals/internal/platform/db"
)

// -- Domain Repository --

type domainRepoPG struct {
	db db.Querier
}

func NewDomainRepo(q db.Querier) DomainRepository {
	return &domainRepoPG{db: q}
}

func (r *domainRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.db)
}

const domainColumns = `id, name, display_name, business_name, active, stripe_subscription_id,
	visible_phone_number, internal_phone_number, office_fax,
	country, state, city, address1, address2, zipcode,
	default_procedure, cover_template_string, created_at`

func (r *domainRepoPG) Create(ctx context.Context, d *Domain) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO domains (
			id, name, display_name, business_name, active, stripe_subscription_id,
			visible_phone_number, internal_phone_number, office_fax,
			country, state, city, address1, address2, zipcode,
			default_procedure, cover_template_string
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13, $14, $15,
			$16, $17
		) RETURNING created_at`,
		d.ID, d.Name, d.DisplayName, d.BusinessName, d.Active, d.StripeSubscriptionID,
		d.VisiblePhoneNumber, d.InternalPhoneNumber, d.OfficeFax,
		d.Country, d.State, d.City, d.Address1, d.Address2, d.Zipcode,
		d.DefaultProcedure, d.CoverTemplateString,
	).Scan(&d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert domain: %w", err)
	}
	return nil
}

func (r *domainRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Domain, error) {
	return r.scanDomain(r.conn(ctx).QueryRow(ctx, `SELECT `+domainColumns+` FROM domains WHERE id = $1`, id))
}

func (r *domainRepoPG) GetByName(ctx context.Context, name string) (*Domain, error) {
	return r.scanDomain(r.conn(ctx).QueryRow(ctx, `SELECT `+domainColumns+` FROM domains WHERE name = $1`, name))
}

func (r *domainRepoPG) GetByPhone(ctx context.Context, phone string) (*Domain, error) {
	return r.scanDomain(r.conn(ctx).QueryRow(ctx, `SELECT `+domainColumns+` FROM domains WHERE visible_phone_number = $1`, phone))
}

func (r *domainRepoPG) scanDomain(row pgx.Row) (*Domain, error) {
	var d Domain
	err := row.Scan(
		&d.ID, &d.Name, &d.DisplayName, &d.BusinessName, &d.Active, &d.StripeSubscriptionID,
		&d.VisiblePhoneNumber, &d.InternalPhoneNumber, &d.OfficeFax,
		&d.Country, &d.State, &d.City, &d.Address1, &d.Address2, &d.Zipcode,
		&d.DefaultProcedure, &d.CoverTemplateString, &d.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Domain not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan domain: %w", err)
	}
	return &d, nil
}

// -- Membership Repository --

type membershipRepoPG struct {
	db db.Querier
}

func NewMembershipRepo(q db.Querier) MembershipRepository {
	return &membershipRepoPG{db: q}
}

func (r *membershipRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.db)
}

func (r *membershipRepoPG) Create(ctx context.Context, m *Membership) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO professional_domain_relations (
			professional_id, domain_id, admin, read_only, professional_type,
			pending, suspended, rejected, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		m.ProfessionalID, m.DomainID, m.Admin, m.ReadOnly, m.ProfessionalType,
		m.pending, m.suspended, m.rejected, m.active,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

func (r *membershipRepoPG) Get(ctx context.Context, professionalID, domainID uuid.UUID) (*Membership, error) {
	var id int64
	var admin, readOnly, pending, suspended, rejected bool
	var professionalType *string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, admin, read_only, professional_type, pending, suspended, rejected
		FROM professional_domain_relations
		WHERE professional_id = $1 AND domain_id = $2`,
		professionalID, domainID,
	).Scan(&id, &admin, &readOnly, &professionalType, &pending, &suspended, &rejected)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Relation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	m := RestoreMembership(id, professionalID, domainID, admin, readOnly, pending, suspended, rejected)
	m.ProfessionalType = professionalType
	return m, nil
}

func (r *membershipRepoPG) UpdateFlags(ctx context.Context, m *Membership, expect Flags) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE professional_domain_relations
		SET pending = $3, suspended = $4, rejected = $5, active = $6, updated_at = NOW()
		WHERE professional_id = $1 AND domain_id = $2
		  AND pending = $7 AND suspended = $8 AND rejected = $9`,
		m.ProfessionalID, m.DomainID,
		m.pending, m.suspended, m.rejected, m.active,
		expect.Pending, expect.Suspended, expect.Rejected,
	)
	if err != nil {
		return false, fmt.Errorf("update membership: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *membershipRepoPG) SetProfessionalActive(ctx context.Context, professionalID uuid.UUID, active bool) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE professional_users SET active = $2 WHERE id = $1`, professionalID, active)
	if err != nil {
		return fmt.Errorf("update professional: %w", err)
	}
	return nil
}

func (r *membershipRepoPG) IsAdmin(ctx context.Context, userID, domainID uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM professional_domain_relations pdr
			JOIN professional_users p ON p.id = pdr.professional_id
			WHERE p.user_id = $1 AND pdr.domain_id = $2
			  AND pdr.admin AND NOT pdr.pending AND pdr.active
		)`, userID, domainID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check admin: %w", err)
	}
	return ok, nil
}

func (r *membershipRepoPG) IsActiveMember(ctx context.Context, userID, domainID uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM professional_domain_relations pdr
			JOIN professional_users p ON p.id = pdr.professional_id
			WHERE p.user_id = $1 AND pdr.domain_id = $2 AND pdr.active
		)`, userID, domainID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return ok, nil
}

func (r *membershipRepoPG) ListProfessionals(ctx context.Context, domainID uuid.UUID, status MemberStatus) ([]ProfessionalSummary, error) {
	filter := `pdr.active`
	if status == StatusPending {
		filter = `pdr.pending`
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT p.id, COALESCE(p.npi_number, ''), u.first_name || ' ' || u.last_name
		FROM professional_domain_relations pdr
		JOIN professional_users p ON p.id = pdr.professional_id
		JOIN users u ON u.id = p.user_id
		WHERE pdr.domain_id = $1 AND `+filter+`
		ORDER BY u.last_name, u.first_name`, domainID)
	if err != nil {
		return nil, fmt.Errorf("list professionals: %w", err)
	}
	defer rows.Close()

	out := []ProfessionalSummary{}
	for rows.Next() {
		var s ProfessionalSummary
		if err := rows.Scan(&s.ProfessionalUserID, &s.NPI, &s.Name); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *membershipRepoPG) AddPatient(ctx context.Context, patientID, domainID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_domain_relations (patient_id, domain_id)
		VALUES ($1, $2) ON CONFLICT (patient_id, domain_id) DO NOTHING`,
		patientID, domainID)
	if err != nil {
		return fmt.Errorf("add patient to domain: %w", err)
	}
	return nil
}

func (r *membershipRepoPG) CountPatients(ctx context.Context, domainID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(DISTINCT patient_id) FROM patient_domain_relations WHERE domain_id = $1`, domainID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count patients: %w", err)
	}
	return n, nil
}

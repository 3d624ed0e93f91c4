package appeal

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fightpaperwork/appeals/internal/domain/identity"
	"github.com/fightpaperwork/appeals/internal/platform/apperr"
	"github.com/fightpaperwork/appeals/internal/platform/db"
	"github.com/fightpaperwork/appeals/pkg/pagination"
)

// -- Denial Repository --

type denialRepoPG struct {
	db db.Querier
}

func NewDenialRepo(q db.Querier) DenialRepository {
	return &denialRepoPG{db: q}
}

func (r *denialRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.db)
}

const denialColumns = `d.denial_id, d.uuid, d.creating_professional_id, d.primary_professional_id,
	d.patient_id, d.domain_id, d.denial_text, d.health_history, d.insurance_company,
	d.procedure, d.diagnosis, d.fax_phone, d.professional_to_finish, d.email,
	d.qa_context, d.created_at, d.mod_date`

func scanDenial(row pgx.Row) (*Denial, error) {
	var d Denial
	err := row.Scan(&d.ID, &d.UUID, &d.CreatingProfessionalID, &d.PrimaryProfessionalID,
		&d.PatientID, &d.DomainID, &d.DenialText, &d.HealthHistory, &d.InsuranceCompany,
		&d.Procedure, &d.Diagnosis, &d.FaxPhone, &d.ProfessionalToFinish, &d.Email,
		&d.QAContext, &d.CreatedAt, &d.ModDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Denial not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan denial: %w", err)
	}
	return &d, nil
}

func (r *denialRepoPG) Create(ctx context.Context, d *Denial) error {
	if d.UUID == uuid.Nil {
		d.UUID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO denials (uuid, creating_professional_id, primary_professional_id, patient_id, domain_id,
			denial_text, health_history, insurance_company, procedure, diagnosis, fax_phone,
			professional_to_finish, email)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING denial_id, created_at, mod_date`,
		d.UUID, d.CreatingProfessionalID, d.PrimaryProfessionalID, d.PatientID, d.DomainID,
		d.DenialText, d.HealthHistory, d.InsuranceCompany, d.Procedure, d.Diagnosis, d.FaxPhone,
		d.ProfessionalToFinish, d.Email,
	).Scan(&d.ID, &d.CreatedAt, &d.ModDate)
	if err != nil {
		return fmt.Errorf("insert denial: %w", err)
	}
	return nil
}

func (r *denialRepoPG) Update(ctx context.Context, d *Denial) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE denials SET primary_professional_id = $2, patient_id = $3, denial_text = $4,
			health_history = $5, insurance_company = $6, procedure = $7, diagnosis = $8,
			fax_phone = $9, professional_to_finish = $10, email = $11, mod_date = NOW()
		WHERE denial_id = $1
		RETURNING mod_date`,
		d.ID, d.PrimaryProfessionalID, d.PatientID, d.DenialText,
		d.HealthHistory, d.InsuranceCompany, d.Procedure, d.Diagnosis,
		d.FaxPhone, d.ProfessionalToFinish, d.Email,
	).Scan(&d.ModDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("Denial not found")
	}
	if err != nil {
		return fmt.Errorf("update denial: %w", err)
	}
	return nil
}

func (r *denialRepoPG) GetByID(ctx context.Context, id int64) (*Denial, error) {
	return scanDenial(r.conn(ctx).QueryRow(ctx,
		`SELECT `+denialColumns+` FROM denials d WHERE d.denial_id = $1`, id))
}

func (r *denialRepoPG) GetVisible(ctx context.Context, actor identity.Actor, id int64) (*Denial, error) {
	var q queryArgs
	where := "d.denial_id = " + q.add(id) + " AND " + visibleTo(actor, "d", false, &q)
	return scanDenial(r.conn(ctx).QueryRow(ctx, `SELECT `+denialColumns+` FROM denials d WHERE `+where, q.args...))
}

func (r *denialRepoPG) GetVisibleByUUID(ctx context.Context, actor identity.Actor, id uuid.UUID) (*Denial, error) {
	var q queryArgs
	where := "d.uuid = " + q.add(id) + " AND " + visibleTo(actor, "d", false, &q)
	return scanDenial(r.conn(ctx).QueryRow(ctx, `SELECT `+denialColumns+` FROM denials d WHERE `+where, q.args...))
}

func (r *denialRepoPG) ListVisible(ctx context.Context, actor identity.Actor, p pagination.Params) ([]*Denial, int, error) {
	var q queryArgs
	where := visibleTo(actor, "d", false, &q)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM denials d WHERE `+where, q.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count denials: %w", err)
	}

	query := `SELECT ` + denialColumns + ` FROM denials d WHERE ` + where +
		` ORDER BY d.mod_date DESC, d.denial_id DESC LIMIT ` + q.add(p.Limit()) + ` OFFSET ` + q.add(p.Offset())
	rows, err := r.conn(ctx).Query(ctx, query, q.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list denials: %w", err)
	}
	defer rows.Close()

	var out []*Denial
	for rows.Next() {
		d, err := scanDenial(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

func (r *denialRepoPG) UpsertQA(ctx context.Context, denialID int64, question, answer string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO denial_qa (denial_id, question, text_answer)
		VALUES ($1, $2, $3)
		ON CONFLICT (denial_id, question) DO UPDATE SET text_answer = EXCLUDED.text_answer`,
		denialID, question, answer)
	if err != nil {
		return fmt.Errorf("upsert denial qa: %w", err)
	}
	return nil
}

func (r *denialRepoPG) ListQA(ctx context.Context, denialID int64) ([]QA, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, denial_id, question, text_answer FROM denial_qa
		WHERE denial_id = $1 ORDER BY id`, denialID)
	if err != nil {
		return nil, fmt.Errorf("list denial qa: %w", err)
	}
	defer rows.Close()

	var out []QA
	for rows.Next() {
		var qa QA
		if err := rows.Scan(&qa.ID, &qa.DenialID, &qa.Question, &qa.Answer); err != nil {
			return nil, fmt.Errorf("scan denial qa: %w", err)
		}
		out = append(out, qa)
	}
	return out, rows.Err()
}

func (r *denialRepoPG) SetQAContext(ctx context.Context, denialID int64, qaContext string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE denials SET qa_context = $2, mod_date = NOW() WHERE denial_id = $1`, denialID, qaContext)
	if err != nil {
		return fmt.Errorf("set qa context: %w", err)
	}
	return nil
}

// -- Appeal Repository --

type appealRepoPG struct {
	db db.Querier
}

func NewAppealRepo(q db.Querier) AppealRepository {
	return &appealRepoPG{db: q}
}

func (r *appealRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.db)
}

const appealColumns = `a.id, a.uuid, a.for_denial_id, a.patient_id, a.primary_professional_id,
	a.creating_professional_id, a.domain_id, a.appeal_text, a.response_text, a.response_date,
	a.pending, a.pending_patient, a.pending_professional, a.sent, a.success, a.patient_visible,
	a.fax_number, a.insurance_company, a.cover_page, a.pubmed_ids,
	a.include_provided_health_history, a.creation_date, a.mod_date`

func scanAppeal(row pgx.Row) (*Appeal, error) {
	var a Appeal
	err := row.Scan(&a.ID, &a.UUID, &a.DenialID, &a.PatientID, &a.PrimaryProfessionalID,
		&a.CreatingProfessionalID, &a.DomainID, &a.AppealText, &a.ResponseText, &a.ResponseDate,
		&a.Pending, &a.PendingPatient, &a.PendingProfessional, &a.Sent, &a.Success, &a.PatientVisible,
		&a.FaxNumber, &a.InsuranceCompany, &a.CoverPage, &a.PubmedIDs,
		&a.IncludeProvidedHealthHistory, &a.CreationDate, &a.ModDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Appeal not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan appeal: %w", err)
	}
	return &a, nil
}

func (r *appealRepoPG) Create(ctx context.Context, a *Appeal) error {
	if a.UUID == uuid.Nil {
		a.UUID = uuid.New()
	}
	if a.PubmedIDs == nil {
		a.PubmedIDs = []string{}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appeals (uuid, for_denial_id, patient_id, primary_professional_id, creating_professional_id,
			domain_id, appeal_text, pending, pending_patient, pending_professional, sent, patient_visible,
			fax_number, insurance_company, cover_page, pubmed_ids, include_provided_health_history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id, creation_date, mod_date`,
		a.UUID, a.DenialID, a.PatientID, a.PrimaryProfessionalID, a.CreatingProfessionalID,
		a.DomainID, a.AppealText, a.Pending, a.PendingPatient, a.PendingProfessional, a.Sent, a.PatientVisible,
		a.FaxNumber, a.InsuranceCompany, a.CoverPage, a.PubmedIDs, a.IncludeProvidedHealthHistory,
	).Scan(&a.ID, &a.CreationDate, &a.ModDate)
	if err != nil {
		return fmt.Errorf("insert appeal: %w", err)
	}
	return nil
}

func (r *appealRepoPG) Update(ctx context.Context, a *Appeal) error {
	if a.PubmedIDs == nil {
		a.PubmedIDs = []string{}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appeals SET patient_id = $2, primary_professional_id = $3, creating_professional_id = $4,
			domain_id = $5, appeal_text = $6, pending = $7, pending_patient = $8, pending_professional = $9,
			sent = $10, patient_visible = $11, fax_number = $12, insurance_company = $13, cover_page = $14,
			pubmed_ids = $15, include_provided_health_history = $16, mod_date = NOW()
		WHERE id = $1
		RETURNING mod_date`,
		a.ID, a.PatientID, a.PrimaryProfessionalID, a.CreatingProfessionalID,
		a.DomainID, a.AppealText, a.Pending, a.PendingPatient, a.PendingProfessional,
		a.Sent, a.PatientVisible, a.FaxNumber, a.InsuranceCompany, a.CoverPage,
		a.PubmedIDs, a.IncludeProvidedHealthHistory,
	).Scan(&a.ModDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("Appeal not found")
	}
	if err != nil {
		return fmt.Errorf("update appeal: %w", err)
	}
	return nil
}

func (r *appealRepoPG) GetVisible(ctx context.Context, actor identity.Actor, id int64) (*Appeal, error) {
	var q queryArgs
	where := "a.id = " + q.add(id) + " AND " + visibleTo(actor, "a", true, &q)
	return scanAppeal(r.conn(ctx).QueryRow(ctx, `SELECT `+appealColumns+` FROM appeals a WHERE `+where, q.args...))
}

func (r *appealRepoPG) FindPendingForDenial(ctx context.Context, actor identity.Actor, denialID int64) (*Appeal, error) {
	var q queryArgs
	where := "a.for_denial_id = " + q.add(denialID) + " AND a.pending AND " + visibleTo(actor, "a", true, &q)
	return scanAppeal(r.conn(ctx).QueryRow(ctx,
		`SELECT `+appealColumns+` FROM appeals a WHERE `+where+` ORDER BY a.id LIMIT 1`, q.args...))
}

func (r *appealRepoPG) ExistsForDenial(ctx context.Context, denialID int64) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM appeals WHERE for_denial_id = $1)`, denialID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check appeal: %w", err)
	}
	return exists, nil
}

func (r *appealRepoPG) SetPendingParties(ctx context.Context, denialID int64, patientID, primaryProfessionalID *uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE appeals SET patient_id = $2, primary_professional_id = $3, mod_date = NOW()
		WHERE for_denial_id = $1 AND pending`, denialID, patientID, primaryProfessionalID)
	if err != nil {
		return fmt.Errorf("update pending appeal parties: %w", err)
	}
	return nil
}

func (r *appealRepoPG) ListVisible(ctx context.Context, actor identity.Actor, p pagination.Params) ([]*Appeal, int, error) {
	var q queryArgs
	where := visibleTo(actor, "a", true, &q)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appeals a WHERE `+where, q.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appeals: %w", err)
	}

	query := `SELECT ` + appealColumns + ` FROM appeals a WHERE ` + where +
		` ORDER BY a.mod_date DESC, a.id DESC LIMIT ` + q.add(p.Limit()) + ` OFFSET ` + q.add(p.Offset())
	rows, err := r.conn(ctx).Query(ctx, query, q.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list appeals: %w", err)
	}
	defer rows.Close()

	var out []*Appeal
	for rows.Next() {
		a, err := scanAppeal(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func (r *appealRepoPG) Search(ctx context.Context, actor identity.Actor, query string, p pagination.Params) ([]SearchResult, int, error) {
	var q queryArgs
	like := q.add(likePattern(query))
	where := visibleTo(actor, "a", true, &q) +
		" AND (a.uuid::text ILIKE " + like + " OR a.appeal_text ILIKE " + like + " OR a.response_text ILIKE " + like + ")"

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appeals a WHERE `+where, q.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count search: %w", err)
	}

	sql := `SELECT a.id, a.uuid, LEFT(COALESCE(a.appeal_text, ''), ` + q.add(summaryTextLength) + `),
			a.pending, a.sent, a.mod_date, a.response_date IS NOT NULL
		FROM appeals a WHERE ` + where + `
		ORDER BY a.mod_date DESC, a.id DESC LIMIT ` + q.add(p.Limit()) + ` OFFSET ` + q.add(p.Offset())
	rows, err := r.conn(ctx).Query(ctx, sql, q.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search appeals: %w", err)
	}
	defer rows.Close()

	out := []SearchResult{}
	for rows.Next() {
		var s SearchResult
		if err := rows.Scan(&s.ID, &s.UUID, &s.AppealText, &s.Pending, &s.Sent, &s.ModDate, &s.HasResponse); err != nil {
			return nil, 0, fmt.Errorf("scan search row: %w", err)
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

func (r *appealRepoPG) Count(ctx context.Context, actor identity.Actor, w *Window) (Counts, error) {
	var q queryArgs
	where := visibleTo(actor, "a", true, &q)
	if w != nil {
		where += " AND a.creation_date >= " + q.add(w.Start) + " AND a.creation_date < " + q.add(w.End)
	}

	var c Counts
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE a.pending),
			COUNT(*) FILTER (WHERE a.sent),
			COUNT(*) FILTER (WHERE a.success),
			COUNT(*) FILTER (WHERE a.response_date IS NOT NULL),
			COUNT(DISTINCT a.patient_id)
		FROM appeals a WHERE `+where, q.args...,
	).Scan(&c.Total, &c.Pending, &c.Sent, &c.Successful, &c.WithResponse, &c.Patients)
	if err != nil {
		return Counts{}, fmt.Errorf("count appeals: %w", err)
	}
	return c, nil
}

func (r *appealRepoPG) AddSecondaryProfessional(ctx context.Context, appealID int64, professionalID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO secondary_appeal_professionals (appeal_id, professional_id)
		VALUES ($1, $2)
		ON CONFLICT (appeal_id, professional_id) DO NOTHING`,
		appealID, professionalID)
	if err != nil {
		return fmt.Errorf("add secondary professional: %w", err)
	}
	return nil
}

func (r *appealRepoPG) StageFax(ctx context.Context, job *FaxJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO fax_jobs (id, appeal_id, destination, hashed_email, professional)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		job.ID, job.AppealID, job.Destination, job.HashedEmail, job.Professional,
	).Scan(&job.CreatedAt)
	if err != nil {
		return fmt.Errorf("stage fax: %w", err)
	}
	return nil
}

func (r *appealRepoPG) MarkFaxSent(ctx context.Context, jobID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE fax_jobs SET sent = TRUE, sent_at = NOW() WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("mark fax sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Fax job not found")
	}
	return nil
}

// -- Attachment Repository --

type attachmentRepoPG struct {
	db db.Querier
}

func NewAttachmentRepo(q db.Querier) AttachmentRepository {
	return &attachmentRepoPG{db: q}
}

func (r *attachmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.db)
}

const attachmentColumns = `t.id, t.appeal_id, t.filename, t.mime_type, t.storage_key, t.size, t.created_at`

func scanAttachment(row pgx.Row) (*Attachment, error) {
	var a Attachment
	err := row.Scan(&a.ID, &a.AppealID, &a.Filename, &a.MimeType, &a.StorageKey, &a.Size, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Attachment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan attachment: %w", err)
	}
	return &a, nil
}

func (r *attachmentRepoPG) Create(ctx context.Context, a *Attachment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appeal_attachments (appeal_id, filename, mime_type, storage_key, size)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		a.AppealID, a.Filename, a.MimeType, a.StorageKey, a.Size,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (r *attachmentRepoPG) GetVisible(ctx context.Context, actor identity.Actor, id int64) (*Attachment, error) {
	var q queryArgs
	where := "t.id = " + q.add(id) + " AND " + visibleTo(actor, "a", true, &q)
	return scanAttachment(r.conn(ctx).QueryRow(ctx, `
		SELECT `+attachmentColumns+`
		FROM appeal_attachments t JOIN appeals a ON a.id = t.appeal_id
		WHERE `+where, q.args...))
}

func (r *attachmentRepoPG) ListForAppeal(ctx context.Context, appealID int64) ([]*Attachment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+attachmentColumns+` FROM appeal_attachments t
		WHERE t.appeal_id = $1 ORDER BY t.id`, appealID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	out := []*Attachment{}
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *attachmentRepoPG) Delete(ctx context.Context, id int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM appeal_attachments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Attachment not found")
	}
	return nil
}

// -- Contact Repository --

type contactRepoPG struct {
	db db.Querier
}

func NewContactRepo(q db.Querier) ContactRepository {
	return &contactRepoPG{db: q}
}

func (r *contactRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.db)
}

func (r *contactRepoPG) scan(row pgx.Row, notFound string) (*Contact, error) {
	var c Contact
	err := row.Scan(&c.UserID, &c.Email, &c.Name, &c.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound(notFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan contact: %w", err)
	}
	return &c, nil
}

func (r *contactRepoPG) Patient(ctx context.Context, patientID uuid.UUID) (*Contact, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `
		SELECT u.id, u.email, COALESCE(p.display_name, TRIM(u.first_name || ' ' || u.last_name)), u.active
		FROM patient_users p JOIN users u ON u.id = p.user_id
		WHERE p.id = $1`, patientID), "Patient not found")
}

func (r *contactRepoPG) Professional(ctx context.Context, professionalID uuid.UUID) (*Contact, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `
		SELECT u.id, u.email, COALESCE(p.display_name, TRIM(u.first_name || ' ' || u.last_name)), u.active
		FROM professional_users p JOIN users u ON u.id = p.user_id
		WHERE p.id = $1`, professionalID), "Professional not found")
}

func (r *contactRepoPG) ProfessionalByEmail(ctx context.Context, email string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT p.id FROM professional_users p JOIN users u ON u.id = p.user_id
		WHERE lower(u.email) = lower($1)
		ORDER BY p.created_at LIMIT 1`, email).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, apperr.NotFound("Professional not found")
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("find professional by email: %w", err)
	}
	return id, nil
}

func (r *contactRepoPG) User(ctx context.Context, userID uuid.UUID) (*Contact, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `
		SELECT u.id, u.email, TRIM(u.first_name || ' ' || u.last_name), u.active
		FROM users u WHERE u.id = $1`, userID), "User not found")
}

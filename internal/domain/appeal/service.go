package appeal

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fightpaperwork/appeals/internal/domain/identity"
	"github.com/fightpaperwork/appeals/internal/domain/practice"
	"github.com/fightpaperwork/appeals/internal/platform/apperr"
	"github.com/fightpaperwork/appeals/internal/platform/blobstore"
	"github.com/fightpaperwork/appeals/internal/platform/db"
	"github.com/fightpaperwork/appeals/internal/platform/fax"
	"github.com/fightpaperwork/appeals/internal/platform/metrics"
	"github.com/fightpaperwork/appeals/internal/platform/notification"
	"github.com/fightpaperwork/appeals/pkg/pagination"
)

// Domains is the slice of the practice service appeals read from.
type Domains interface {
	GetDomain(ctx context.Context, id uuid.UUID) (*practice.Domain, error)
	CountPatients(ctx context.Context, domainID uuid.UUID) (int, error)
}

// Mailer sends a templated email. *notification.Notifier satisfies it.
type Mailer interface {
	Send(ctx context.Context, templateID, to string, data map[string]string) error
}

type Options struct {
	FrontendURL string
}

type Service struct {
	tx          db.Transactor
	denials     DenialRepository
	appeals     AppealRepository
	attachments AttachmentRepository
	contacts    ContactRepository
	domains     Domains
	blobs       blobstore.Store
	faxer       fax.Dispatcher
	mail        Mailer
	opts        Options
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

func NewService(
	tx db.Transactor,
	denials DenialRepository,
	appeals AppealRepository,
	attachments AttachmentRepository,
	contacts ContactRepository,
	domains Domains,
	blobs blobstore.Store,
	faxer fax.Dispatcher,
	mail Mailer,
	opts Options,
	logger zerolog.Logger,
) *Service {
	opts.FrontendURL = strings.TrimRight(opts.FrontendURL, "/")
	return &Service{
		tx: tx, denials: denials, appeals: appeals, attachments: attachments,
		contacts: contacts, domains: domains, blobs: blobs, faxer: faxer, mail: mail,
		opts: opts, logger: logger, now: time.Now,
	}
}

func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Service) appealCreated() {
	if s.metrics != nil {
		s.metrics.AppealsCreated.Inc()
	}
}

// -- Denials --

// RecordDenial creates a denial, or updates a visible one, on behalf of a
// professional and makes sure the denial has an appeal to work on.
func (s *Service) RecordDenial(ctx context.Context, actor identity.Actor, req *DenialRequest) (*DenialResult, error) {
	if !actor.IsProfessional() {
		return nil, apperr.Forbidden("Only professionals can create denials")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var res DenialResult
	created := false
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var d *Denial
		if req.DenialID != nil {
			existing, err := s.denials.GetVisible(ctx, actor, *req.DenialID)
			if err != nil {
				return err
			}
			d = existing
			patient, primary := d.PatientID, d.PrimaryProfessionalID
			req.apply(d)
			if err := s.denials.Update(ctx, d); err != nil {
				return err
			}
			if !sameID(patient, d.PatientID) || !sameID(primary, d.PrimaryProfessionalID) {
				if err := s.appeals.SetPendingParties(ctx, d.ID, d.PatientID, d.PrimaryProfessionalID); err != nil {
					return err
				}
			}
		} else {
			professionalID := actor.ProfessionalID
			d = &Denial{CreatingProfessionalID: &professionalID}
			if actor.DomainID != uuid.Nil {
				domainID := actor.DomainID
				d.DomainID = &domainID
			}
			req.apply(d)
			if err := s.denials.Create(ctx, d); err != nil {
				return err
			}
		}
		res.DenialID, res.UUID = d.ID, d.UUID

		exists, err := s.appeals.ExistsForDenial(ctx, d.ID)
		if err != nil {
			return err
		}
		if !exists {
			a := NewPendingAppeal(d)
			if err := s.appeals.Create(ctx, a); err != nil {
				return err
			}
			created = true
			res.AppealID = &a.ID
			return nil
		}
		a, err := s.appeals.FindPendingForDenial(ctx, actor, d.ID)
		switch {
		case err == nil:
			res.AppealID = &a.ID
		case !apperr.Is(err, apperr.CodeNotFound):
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.appealCreated()
	}
	return &res, nil
}

func sameID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *Service) ListDenials(ctx context.Context, actor identity.Actor, p pagination.Params) (*pagination.Response, error) {
	denials, total, err := s.denials.ListVisible(ctx, actor, p)
	if err != nil {
		return nil, err
	}
	if denials == nil {
		denials = []*Denial{}
	}
	return pagination.NewResponse(denials, total, p), nil
}

func (s *Service) GetDenial(ctx context.Context, actor identity.Actor, id int64) (*Denial, error) {
	return s.denials.GetVisible(ctx, actor, id)
}

// SetQA stores answers to questions about a denial and rebuilds its QA
// context from every stored answer.
func (s *Service) SetQA(ctx context.Context, actor identity.Actor, req *QARequest) error {
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		d, err := s.denials.GetVisible(ctx, actor, req.DenialID)
		if err != nil {
			return err
		}
		for _, qa := range CleanQA(req.QA) {
			if err := s.denials.UpsertQA(ctx, d.ID, qa.Question, qa.Answer); err != nil {
				return err
			}
		}
		rows, err := s.denials.ListQA(ctx, d.ID)
		if err != nil {
			return err
		}
		return s.denials.SetQAContext(ctx, d.ID, BuildQAContext(rows))
	})
}

// -- Assembly --

// AssembleAppeal writes the completed appeal text onto the denial's pending
// appeal, creating one if none is pending, and renders its cover page.
func (s *Service) AssembleAppeal(ctx context.Context, actor identity.Actor, req *AssembleRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	var (
		appealID int64
		created  bool
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var (
			d   *Denial
			err error
		)
		if req.DenialUUID != nil {
			d, err = s.denials.GetVisibleByUUID(ctx, actor, *req.DenialUUID)
		} else {
			d, err = s.denials.GetVisible(ctx, actor, *req.DenialID)
		}
		if err != nil {
			return err
		}
		if d.PatientID == nil {
			return apperr.Validation("Denial has no patient")
		}

		a, err := s.appeals.FindPendingForDenial(ctx, actor, d.ID)
		if apperr.Is(err, apperr.CodeNotFound) {
			a, err, created = NewPendingAppeal(d), nil, true
		}
		if err != nil {
			return err
		}

		text := req.CompletedAppealText
		a.AppealText = &text
		a.PatientID = d.PatientID
		a.InsuranceCompany = firstNonEmpty(req.InsuranceCompany, d.InsuranceCompany)
		a.FaxNumber = firstNonEmpty(req.FaxPhone, d.FaxPhone)
		a.PubmedIDs = append([]string{}, req.PubmedArticlesToInclude...)
		a.IncludeProvidedHealthHistory = req.IncludeProvidedHealthHistory

		cover, err := s.coverPage(ctx, d, a)
		if err != nil {
			return err
		}
		a.CoverPage = &cover

		if created {
			err = s.appeals.Create(ctx, a)
		} else {
			err = s.appeals.Update(ctx, a)
		}
		appealID = a.ID
		return err
	})
	if err != nil {
		return 0, err
	}
	if created {
		s.appealCreated()
	}
	return appealID, nil
}

func (s *Service) coverPage(ctx context.Context, d *Denial, a *Appeal) (string, error) {
	var tmpl string
	if d.DomainID != nil {
		dom, err := s.domains.GetDomain(ctx, *d.DomainID)
		switch {
		case err == nil:
			if dom.CoverTemplateString != nil {
				tmpl = *dom.CoverTemplateString
			}
		case !apperr.Is(err, apperr.CodeNotFound):
			return "", err
		}
	}

	data := map[string]string{
		"company_name":         CompanyName,
		"company_phone_number": CompanyPhoneNumber,
		"company_fax_number":   CompanyFaxNumber,
		"insurance_company":    deref(a.InsuranceCompany),
		"fax_phone":            deref(a.FaxNumber),
		"email":                deref(d.Email),
	}
	if len(a.PubmedIDs) > 0 {
		data["citations"] = ", citing PubMed " + strings.Join(a.PubmedIDs, ", ")
	}
	patient, err := s.contacts.Patient(ctx, *d.PatientID)
	switch {
	case err == nil:
		data["patient_name"] = patient.Name
		if data["email"] == "" {
			data["email"] = patient.Email
		}
	case !apperr.Is(err, apperr.CodeNotFound):
		return "", err
	}
	return RenderCoverPage(tmpl, data), nil
}

// -- Fax --

// SendFax transmits a visible appeal. A patient sending their own appeal of
// a denial reserved for a professional hands it off instead. Flags are
// cleared and the job staged before dispatch; the appeal is marked sent only
// once the gateway accepts the job.
func (s *Service) SendFax(ctx context.Context, actor identity.Actor, req *SendFaxRequest) (*SendFaxResult, error) {
	var (
		res SendFaxResult
		job *fax.Job
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		a, err := s.appeals.GetVisible(ctx, actor, req.AppealID)
		if err != nil {
			return err
		}
		d, err := s.denials.GetByID(ctx, a.DenialID)
		if err != nil {
			return err
		}
		if NeedsProfessional(actor, a, d) {
			a.HandOffToProfessional()
			res.HandedOff = true
			return s.appeals.Update(ctx, a)
		}

		number := fax.NormalizeNumber(deref(firstNonEmpty(req.FaxNumber, a.FaxNumber)))
		if number == "" {
			return apperr.Validation("fax_number is required")
		}
		a.FaxNumber = &number
		a.ReleaseForSending()
		if err := s.appeals.Update(ctx, a); err != nil {
			return err
		}

		hashed, err := s.hashedEmail(ctx, actor.UserID)
		if err != nil {
			return err
		}
		staged := &FaxJob{
			AppealID:     a.ID,
			Destination:  number,
			HashedEmail:  hashed,
			Professional: actor.IsProfessional(),
		}
		if err := s.appeals.StageFax(ctx, staged); err != nil {
			return err
		}
		res.JobID = staged.ID

		job, err = s.faxJob(ctx, staged, a, d)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.HandedOff {
		s.logger.Info().Int64("appeal_id", req.AppealID).Msg("appeal handed off to professional")
		return &res, nil
	}

	err = s.faxer.Dispatch(ctx, job)
	if s.metrics != nil {
		s.metrics.FaxesSent.WithLabelValues(metrics.Outcome(err)).Inc()
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("appeal_id", req.AppealID).Str("fax_id", job.ID).Msg("fax dispatch failed")
		return nil, apperr.Wrap(err, apperr.CodeUpstream, "Fax could not be sent")
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.appeals.MarkFaxSent(ctx, res.JobID); err != nil {
			return err
		}
		a, err := s.appeals.GetVisible(ctx, actor, req.AppealID)
		if err != nil {
			return err
		}
		a.Sent = true
		return s.appeals.Update(ctx, a)
	})
	if err != nil {
		// Already dispatched; never reported as a failure.
		s.logger.Error().Err(err).Int64("appeal_id", req.AppealID).Str("fax_id", job.ID).
			Msg("fax sent but recording it failed")
	}
	return &res, nil
}

func (s *Service) hashedEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	c, err := s.contacts.User(ctx, userID)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(c.Email))))
	return hex.EncodeToString(sum[:]), nil
}

func (s *Service) faxJob(ctx context.Context, staged *FaxJob, a *Appeal, d *Denial) (*fax.Job, error) {
	job := &fax.Job{
		ID:          staged.ID.String(),
		AppealID:    a.ID,
		Destination: staged.Destination,
		Name:        deref(a.InsuranceCompany),
		CoverPage:   deref(a.CoverPage),
		Body:        deref(a.AppealText),
		CreatedAt:   staged.CreatedAt,
	}
	if a.IncludeProvidedHealthHistory && d.HealthHistory != nil {
		job.Body += "\n\nHealth history:\n" + *d.HealthHistory
	}
	atts, err := s.attachments.ListForAppeal(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	for _, att := range atts {
		content, err := s.blobs.Get(ctx, att.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("load attachment %d: %w", att.ID, err)
		}
		job.Attachments = append(job.Attachments, base64.StdEncoding.EncodeToString(content))
	}
	return job, nil
}

// -- Notifications --

// NotifyPatient makes a visible appeal visible to its patient and emails
// them, inviting them to sign up when their account is not active yet.
func (s *Service) NotifyPatient(ctx context.Context, actor identity.Actor, req *NotifyPatientRequest) error {
	var patientID *uuid.UUID
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		a, err := s.appeals.GetVisible(ctx, actor, req.ID)
		if err != nil {
			return err
		}
		patientID = a.PatientID
		if a.PatientVisible {
			return nil
		}
		a.PatientVisible = true
		return s.appeals.Update(ctx, a)
	})
	if err != nil {
		return err
	}
	if patientID == nil {
		return apperr.NotFound("Patient not found")
	}
	patient, err := s.contacts.Patient(ctx, *patientID)
	if err != nil {
		return err
	}

	fromLine := "Your healthcare provider "
	if req.IncludeProfessional && actor.IsProfessional() {
		if p, err := s.contacts.Professional(ctx, actor.ProfessionalID); err == nil && p.Name != "" {
			fromLine = p.Name + " "
		}
	}
	data := map[string]string{
		"from_line":       fromLine,
		"practice_number": s.practiceNumber(ctx, actor.DomainID),
	}
	template := notification.TemplatePatientDraftReady
	if patient.Active {
		data["login_link"] = s.opts.FrontendURL + "/login"
	} else {
		template = notification.TemplatePatientSignup
		data["signup_link"] = s.opts.FrontendURL + "/signup?" + url.Values{"email": {patient.Email}}.Encode()
	}
	return s.send(ctx, template, patient.Email, data)
}

// InviteProvider adds a professional to a visible appeal. An email that
// matches no professional gets an invitation to sign up instead.
func (s *Service) InviteProvider(ctx context.Context, actor identity.Actor, req *InviteProviderRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	a, err := s.appeals.GetVisible(ctx, actor, req.AppealID)
	if err != nil {
		return err
	}

	professionalID := uuid.Nil
	if req.ProfessionalID != nil {
		if _, err := s.contacts.Professional(ctx, *req.ProfessionalID); err != nil {
			return err
		}
		professionalID = *req.ProfessionalID
	} else {
		professionalID, err = s.contacts.ProfessionalByEmail(ctx, req.Email)
		if err != nil && !apperr.Is(err, apperr.CodeNotFound) {
			return err
		}
	}
	if professionalID != uuid.Nil {
		return s.appeals.AddSecondaryProfessional(ctx, a.ID, professionalID)
	}

	return s.send(ctx, notification.TemplateProfessionalInvite, req.Email, map[string]string{
		"professional_name": s.inviterName(ctx, actor),
		"signup_link":       s.opts.FrontendURL + "/signup?" + url.Values{"email": {req.Email}}.Encode(),
		"practice_number":   s.practiceNumber(ctx, actor.DomainID),
	})
}

func (s *Service) inviterName(ctx context.Context, actor identity.Actor) string {
	if actor.IsProfessional() {
		if p, err := s.contacts.Professional(ctx, actor.ProfessionalID); err == nil && p.Name != "" {
			return p.Name
		}
	}
	if u, err := s.contacts.User(ctx, actor.UserID); err == nil && u.Name != "" {
		return u.Name
	}
	return "A colleague"
}

func (s *Service) practiceNumber(ctx context.Context, domainID uuid.UUID) string {
	if domainID == uuid.Nil {
		return ""
	}
	d, err := s.domains.GetDomain(ctx, domainID)
	if err != nil {
		s.logger.Warn().Err(err).Str("domain_id", domainID.String()).Msg("practice number unavailable")
		return ""
	}
	return d.VisiblePhoneNumber
}

// send delivers an email the caller asked for explicitly, so a failure is
// reported back rather than swallowed.
func (s *Service) send(ctx context.Context, templateID, to string, data map[string]string) error {
	err := s.mail.Send(ctx, templateID, to, data)
	if s.metrics != nil {
		s.metrics.EmailsSent.WithLabelValues(templateID, metrics.Outcome(err)).Inc()
	}
	if err != nil {
		return apperr.Wrap(err, apperr.CodeUpstream, "Notification could not be sent")
	}
	return nil
}

// -- Reads --

func (s *Service) ListAppeals(ctx context.Context, actor identity.Actor, p pagination.Params) (*pagination.Response, error) {
	appeals, total, err := s.appeals.ListVisible(ctx, actor, p)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(appeals))
	for _, a := range appeals {
		out = append(out, a.Summary())
	}
	return pagination.NewResponse(out, total, p), nil
}

func (s *Service) GetAppeal(ctx context.Context, actor identity.Actor, id int64) (*Appeal, error) {
	return s.appeals.GetVisible(ctx, actor, id)
}

// GetFull returns a visible appeal with its denial's text.
func (s *Service) GetFull(ctx context.Context, actor identity.Actor, id int64) (*Full, error) {
	a, err := s.appeals.GetVisible(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	d, err := s.denials.GetByID(ctx, a.DenialID)
	if err != nil {
		return nil, err
	}
	return &Full{
		Appeal:        a,
		DenialText:    d.DenialText,
		HealthHistory: d.HealthHistory,
		Procedure:     d.Procedure,
		Diagnosis:     d.Diagnosis,
		QAContext:     d.QAContext,
		CoverPageText: a.CoverPage,
	}, nil
}

func (s *Service) Search(ctx context.Context, actor identity.Actor, query string, p pagination.Params) (*pagination.Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Validation(`Please provide a search query parameter "q"`)
	}
	rows, total, err := s.appeals.Search(ctx, actor, query, p)
	if err != nil {
		return nil, err
	}
	return pagination.NewResponse(rows, total, p), nil
}

// -- Statistics --

// Stats compares the visible appeals created in the current window with
// those of the previous window. The two windows are counted concurrently.
func (s *Service) Stats(ctx context.Context, actor identity.Actor, delta string) (*Stats, error) {
	now := s.now()
	cur, prev := StatsWindows(delta, now)

	var curCounts, prevCounts Counts
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := s.appeals.Count(gctx, actor, &cur)
		curCounts = c
		return err
	})
	g.Go(func() error {
		c, err := s.appeals.Count(gctx, actor, &prev)
		prevCounts = c
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return NewStats(curCounts, prevCounts, cur, now), nil
}

// AbsoluteStats counts every visible appeal. With a session domain the
// patient total is the domain's patient count.
func (s *Service) AbsoluteStats(ctx context.Context, actor identity.Actor) (*AbsoluteStats, error) {
	c, err := s.appeals.Count(ctx, actor, nil)
	if err != nil {
		return nil, err
	}
	patients := c.Patients
	if actor.DomainID != uuid.Nil {
		_, err := s.domains.GetDomain(ctx, actor.DomainID)
		switch {
		case err == nil:
			if patients, err = s.domains.CountPatients(ctx, actor.DomainID); err != nil {
				return nil, err
			}
		case !apperr.Is(err, apperr.CodeNotFound):
			return nil, err
		}
	}
	return &AbsoluteStats{
		TotalAppeals:   c.Total,
		PendingAppeals: c.Pending,
		SentAppeals:    c.Sent,
		SuccessRate:    c.SuccessRate(),
		TotalPatients:  patients,
	}, nil
}

// -- Attachments --

func (s *Service) ListAttachments(ctx context.Context, actor identity.Actor, appealID int64) ([]*Attachment, error) {
	if _, err := s.appeals.GetVisible(ctx, actor, appealID); err != nil {
		return nil, err
	}
	return s.attachments.ListForAppeal(ctx, appealID)
}

// AddAttachment stores content under a fresh key and records it against a
// visible appeal. The blob is removed again if the row cannot be written.
func (s *Service) AddAttachment(ctx context.Context, actor identity.Actor, appealID int64, filename, mimeType string, content io.Reader) (*Attachment, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return nil, apperr.Validation(blobstore.ErrMissingFileName.Error())
	}
	a, err := s.appeals.GetVisible(ctx, actor, appealID)
	if err != nil {
		return nil, err
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	key := fmt.Sprintf("appeals/%d/%s", a.ID, uuid.NewString())
	size, err := s.blobs.Put(ctx, key, content)
	if errors.Is(err, blobstore.ErrFileTooLarge) {
		return nil, apperr.Validation("File exceeds maximum size of 25MB")
	}
	if err != nil {
		return nil, fmt.Errorf("store attachment: %w", err)
	}

	att := &Attachment{AppealID: a.ID, Filename: filename, MimeType: mimeType, StorageKey: key, Size: size}
	if err := s.attachments.Create(ctx, att); err != nil {
		if derr := s.blobs.Delete(ctx, key); derr != nil {
			s.logger.Warn().Err(derr).Str("key", key).Msg("orphaned attachment blob")
		}
		return nil, err
	}
	return att, nil
}

// GetAttachment returns a visible attachment and its decrypted content.
func (s *Service) GetAttachment(ctx context.Context, actor identity.Actor, id int64) (*Attachment, []byte, error) {
	att, err := s.attachments.GetVisible(ctx, actor, id)
	if err != nil {
		return nil, nil, err
	}
	content, err := s.blobs.Get(ctx, att.StorageKey)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, nil, apperr.NotFound("Attachment content not found")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read attachment: %w", err)
	}
	return att, content, nil
}

func (s *Service) DeleteAttachment(ctx context.Context, actor identity.Actor, id int64) error {
	att, err := s.attachments.GetVisible(ctx, actor, id)
	if err != nil {
		return err
	}
	if err := s.attachments.Delete(ctx, att.ID); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, att.StorageKey); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
		s.logger.Warn().Err(err).Str("key", att.StorageKey).Msg("attachment blob not removed")
	}
	return nil
}

// CheckStorage probes the attachment store.
func (s *Service) CheckStorage(ctx context.Context) error {
	return s.blobs.CheckAvailable(ctx)
}

func firstNonEmpty(vals ...*string) *string {
	for _, v := range vals {
		if v != nil && strings.TrimSpace(*v) != "" {
			return v
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package appeal

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fightpaperwork/appeals/internal/domain/identity"
	"github.com/fightpaperwork/appeals/internal/platform/apperr"
)

// Company details printed on every assembled appeal.
const (
	CompanyName        = "Fight Paperwork"
	CompanyPhoneNumber = "202-938-3266"
	CompanyFaxNumber   = "415-840-7591"
)

// summaryTextLength is how many characters of appeal text a search row shows.
const summaryTextLength = 200

// Denial maps to the denials table.
type Denial struct {
	ID                     int64      `db:"denial_id" json:"denial_id"`
	UUID                   uuid.UUID  `db:"uuid" json:"uuid"`
	CreatingProfessionalID *uuid.UUID `db:"creating_professional_id" json:"creating_professional_id,omitempty"`
	PrimaryProfessionalID  *uuid.UUID `db:"primary_professional_id" json:"primary_professional_id,omitempty"`
	PatientID              *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
	DomainID               *uuid.UUID `db:"domain_id" json:"domain_id,omitempty"`
	DenialText             string     `db:"denial_text" json:"denial_text"`
	HealthHistory          *string    `db:"health_history" json:"health_history,omitempty"`
	InsuranceCompany       *string    `db:"insurance_company" json:"insurance_company,omitempty"`
	Procedure              *string    `db:"procedure" json:"procedure,omitempty"`
	Diagnosis              *string    `db:"diagnosis" json:"diagnosis,omitempty"`
	FaxPhone               *string    `db:"fax_phone" json:"fax_phone,omitempty"`
	ProfessionalToFinish   bool       `db:"professional_to_finish" json:"professional_to_finish"`
	Email                  *string    `db:"email" json:"-"`
	QAContext              string     `db:"qa_context" json:"qa_context"`
	CreatedAt              time.Time  `db:"created_at" json:"created_at"`
	ModDate                time.Time  `db:"mod_date" json:"mod_date"`
}

// QA is one answered question about a denial.
type QA struct {
	ID       int64
	DenialID int64
	Question string
	Answer   string
}

// BuildQAContext concatenates answers in the order given, one
// "question: answer" line each.
func BuildQAContext(rows []QA) string {
	var b strings.Builder
	for _, r := range rows {
		b.WriteString(r.Question)
		b.WriteString(": ")
		b.WriteString(r.Answer)
		b.WriteString("\n")
	}
	return b.String()
}

// CleanQA drops blank questions and answers and returns the rest sorted by
// question so repeated submissions write rows in a stable order.
func CleanQA(in map[string]string) []QA {
	out := make([]QA, 0, len(in))
	for q, a := range in {
		if strings.TrimSpace(q) == "" || strings.TrimSpace(a) == "" {
			continue
		}
		out = append(out, QA{Question: q, Answer: a})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Question < out[j].Question })
	return out
}

// ---------------------------------------------------------------------------
// Appeal
// ---------------------------------------------------------------------------

// Appeal maps to the appeals table.
type Appeal struct {
	ID                           int64      `db:"id" json:"id"`
	UUID                         uuid.UUID  `db:"uuid" json:"uuid"`
	DenialID                     int64      `db:"for_denial_id" json:"for_denial"`
	PatientID                    *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
	PrimaryProfessionalID        *uuid.UUID `db:"primary_professional_id" json:"primary_professional_id,omitempty"`
	CreatingProfessionalID       *uuid.UUID `db:"creating_professional_id" json:"creating_professional_id,omitempty"`
	DomainID                     *uuid.UUID `db:"domain_id" json:"domain_id,omitempty"`
	AppealText                   *string    `db:"appeal_text" json:"appeal_text,omitempty"`
	ResponseText                 *string    `db:"response_text" json:"response_text,omitempty"`
	ResponseDate                 *time.Time `db:"response_date" json:"response_date,omitempty"`
	Pending                      bool       `db:"pending" json:"pending"`
	PendingPatient               bool       `db:"pending_patient" json:"pending_patient"`
	PendingProfessional          bool       `db:"pending_professional" json:"pending_professional"`
	Sent                         bool       `db:"sent" json:"sent"`
	Success                      bool       `db:"success" json:"success"`
	PatientVisible               bool       `db:"patient_visible" json:"patient_visible"`
	FaxNumber                    *string    `db:"fax_number" json:"fax_number,omitempty"`
	InsuranceCompany             *string    `db:"insurance_company" json:"insurance_company,omitempty"`
	CoverPage                    *string    `db:"cover_page" json:"-"`
	PubmedIDs                    []string   `db:"pubmed_ids" json:"pubmed_ids"`
	IncludeProvidedHealthHistory bool       `db:"include_provided_health_history" json:"include_provided_health_history"`
	CreationDate                 time.Time  `db:"creation_date" json:"creation_date"`
	ModDate                      time.Time  `db:"mod_date" json:"mod_date"`
}

// NewPendingAppeal starts the appeal for a freshly recorded denial.
func NewPendingAppeal(d *Denial) *Appeal {
	return &Appeal{
		UUID:                   uuid.New(),
		DenialID:               d.ID,
		PatientID:              d.PatientID,
		PrimaryProfessionalID:  d.PrimaryProfessionalID,
		CreatingProfessionalID: d.CreatingProfessionalID,
		DomainID:               d.DomainID,
		Pending:                true,
		PubmedIDs:              []string{},
	}
}

// NeedsProfessional reports whether a fax request must instead be handed to a
// professional: the caller is the appeal's patient and the denial was marked
// for a professional to finish.
func NeedsProfessional(actor identity.Actor, a *Appeal, d *Denial) bool {
	if !actor.IsPatient() || a.PatientID == nil {
		return false
	}
	return *a.PatientID == actor.PatientID && d.ProfessionalToFinish
}

// HandOffToProfessional parks the appeal until a professional completes it.
func (a *Appeal) HandOffToProfessional() {
	a.Pending = true
	a.PendingPatient = false
	a.PendingProfessional = true
}

// ReleaseForSending clears every pending flag ahead of dispatch.
func (a *Appeal) ReleaseForSending() {
	a.Pending = false
	a.PendingPatient = false
	a.PendingProfessional = false
}

// Summary is the list projection of an appeal.
type Summary struct {
	ID                  int64     `json:"id"`
	UUID                uuid.UUID `json:"uuid"`
	Status              string    `json:"status"`
	Pending             bool      `json:"pending"`
	PendingPatient      bool      `json:"pending_patient"`
	PendingProfessional bool      `json:"pending_professional"`
	Sent                bool      `json:"sent"`
	InsuranceCompany    *string   `json:"insurance_company,omitempty"`
	CreationDate        string    `json:"creation_date"`
	ModDate             time.Time `json:"mod_date"`
}

// Status names the workflow stage of an appeal.
func (a *Appeal) Status() string {
	switch {
	case a.Success:
		return "success"
	case a.Sent:
		return "sent"
	case a.PendingProfessional:
		return "pending_professional"
	case a.PendingPatient:
		return "pending_patient"
	case a.AppealText != nil && *a.AppealText != "":
		return "assembled"
	default:
		return "pending"
	}
}

func (a *Appeal) Summary() Summary {
	return Summary{
		ID:                  a.ID,
		UUID:                a.UUID,
		Status:              a.Status(),
		Pending:             a.Pending,
		PendingPatient:      a.PendingPatient,
		PendingProfessional: a.PendingProfessional,
		Sent:                a.Sent,
		InsuranceCompany:    a.InsuranceCompany,
		CreationDate:        a.CreationDate.Format(time.DateOnly),
		ModDate:             a.ModDate,
	}
}

// Full is an appeal together with the text of its denial.
type Full struct {
	*Appeal
	DenialText    string  `json:"denial_text"`
	HealthHistory *string `json:"health_history,omitempty"`
	Procedure     *string `json:"procedure,omitempty"`
	Diagnosis     *string `json:"diagnosis,omitempty"`
	QAContext     string  `json:"qa_context"`
	CoverPageText *string `json:"cover_page,omitempty"`
}

// SearchResult is one row of an appeal search.
type SearchResult struct {
	ID          int64     `json:"id"`
	UUID        uuid.UUID `json:"uuid"`
	AppealText  string    `json:"appeal_text"`
	Pending     bool      `json:"pending"`
	Sent        bool      `json:"sent"`
	ModDate     time.Time `json:"mod_date"`
	HasResponse bool      `json:"has_response"`
}

// ---------------------------------------------------------------------------
// Attachments
// ---------------------------------------------------------------------------

// Attachment maps to the appeal_attachments table. Content lives in the blob
// store under StorageKey.
type Attachment struct {
	ID         int64     `db:"id" json:"id"`
	AppealID   int64     `db:"appeal_id" json:"appeal"`
	Filename   string    `db:"filename" json:"filename"`
	MimeType   string    `db:"mime_type" json:"mime_type"`
	StorageKey string    `db:"storage_key" json:"-"`
	Size       int64     `db:"size" json:"size"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ---------------------------------------------------------------------------
// Fax jobs
// ---------------------------------------------------------------------------

// FaxJob maps to the fax_jobs table: one staged transmission of an appeal.
type FaxJob struct {
	ID           uuid.UUID
	AppealID     int64
	Destination  string
	HashedEmail  string
	Professional bool
	Sent         bool
	CreatedAt    time.Time
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// Window is a half-open range of creation dates, [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// StatsWindows returns the current window ending today and the previous
// window of equal length right before it. Unknown deltas mean month over
// month.
func StatsWindows(delta string, now time.Time) (current, previous Window) {
	years, months := 0, 1
	switch delta {
	case "QoQ":
		months = 3
	case "YoY":
		years, months = 1, 0
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	curStart := today.AddDate(-years, -months, 0)
	current = Window{Start: curStart, End: today.AddDate(0, 0, 1)}
	previous = Window{Start: curStart.AddDate(-years, -months, 0), End: curStart}
	return current, previous
}

// Counts are the raw aggregates over a set of visible appeals.
type Counts struct {
	Total        int
	Pending      int
	Sent         int
	Successful   int
	WithResponse int
	Patients     int
}

// SuccessRate is successful appeals as a percentage of appeals with any
// response, and zero when none have one.
func (c Counts) SuccessRate() float64 {
	if c.WithResponse == 0 {
		return 0
	}
	return float64(c.Successful) / float64(c.WithResponse) * 100
}

// Stats compares the current window against the previous one.
type Stats struct {
	CurrentTotalAppeals           int       `json:"current_total_appeals"`
	CurrentPendingAppeals         int       `json:"current_pending_appeals"`
	CurrentSentAppeals            int       `json:"current_sent_appeals"`
	CurrentSuccessRate            float64   `json:"current_success_rate"`
	CurrentEstimatedPaymentValue  *float64  `json:"current_estimated_payment_value"`
	CurrentTotalPatients          int       `json:"current_total_patients"`
	PreviousTotalAppeals          int       `json:"previous_total_appeals"`
	PreviousPendingAppeals        int       `json:"previous_pending_appeals"`
	PreviousSentAppeals           int       `json:"previous_sent_appeals"`
	PreviousSuccessRate           float64   `json:"previous_success_rate"`
	PreviousEstimatedPaymentValue *float64  `json:"previous_estimated_payment_value"`
	PreviousTotalPatients         int       `json:"previous_total_patients"`
	PeriodStart                   time.Time `json:"period_start"`
	PeriodEnd                     time.Time `json:"period_end"`
}

func NewStats(cur, prev Counts, w Window, now time.Time) *Stats {
	return &Stats{
		CurrentTotalAppeals:    cur.Total,
		CurrentPendingAppeals:  cur.Pending,
		CurrentSentAppeals:     cur.Sent,
		CurrentSuccessRate:     cur.SuccessRate(),
		CurrentTotalPatients:   cur.Patients,
		PreviousTotalAppeals:   prev.Total,
		PreviousPendingAppeals: prev.Pending,
		PreviousSentAppeals:    prev.Sent,
		PreviousSuccessRate:    prev.SuccessRate(),
		PreviousTotalPatients:  prev.Patients,
		PeriodStart:            w.Start,
		PeriodEnd:              now,
	}
}

// AbsoluteStats covers every visible appeal regardless of date.
type AbsoluteStats struct {
	TotalAppeals          int      `json:"total_appeals"`
	PendingAppeals        int      `json:"pending_appeals"`
	SentAppeals           int      `json:"sent_appeals"`
	SuccessRate           float64  `json:"success_rate"`
	EstimatedPaymentValue *float64 `json:"estimated_payment_value"`
	TotalPatients         int      `json:"total_patients"`
}

// ---------------------------------------------------------------------------
// Cover page
// ---------------------------------------------------------------------------

const defaultCoverTemplate = `FAX COVER SHEET

From: {{company_name}}
Phone: {{company_phone_number}}
Fax: {{company_fax_number}}

To: {{insurance_company}}
Fax: {{fax_phone}}

Re: Appeal for {{patient_name}}
Contact: {{email}}

Pages to follow: an appeal of a denied claim{{citations}}.
`

var coverPlaceholder = regexp.MustCompile(`\{\{\s*([a-z_]+)\s*\}\}`)

// RenderCoverPage fills a practice's cover template, or the built-in one when
// tmpl is empty. Unknown placeholders render empty.
func RenderCoverPage(tmpl string, data map[string]string) string {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = defaultCoverTemplate
	}
	return coverPlaceholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		return data[coverPlaceholder.FindStringSubmatch(m)[1]]
	})
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// DenialRequest creates a denial, or updates one when DenialID is set.
type DenialRequest struct {
	DenialID             *int64     `json:"denial_id"`
	PatientID            *uuid.UUID `json:"patient_id"`
	PrimaryProfessional  *uuid.UUID `json:"primary_professional"`
	DenialText           string     `json:"denial_text"`
	HealthHistory        *string    `json:"health_history"`
	InsuranceCompany     *string    `json:"insurance_company"`
	Procedure            *string    `json:"procedure"`
	Diagnosis            *string    `json:"diagnosis"`
	FaxPhone             *string    `json:"fax_phone"`
	ProfessionalToFinish bool       `json:"professional_to_finish"`
	Email                *string    `json:"email"`
}

func (r *DenialRequest) Validate() error {
	if strings.TrimSpace(r.DenialText) == "" {
		return apperr.Validation("denial_text is required")
	}
	return nil
}

// apply copies the request onto d. An omitted patient or primary professional
// leaves the stored one in place.
func (r *DenialRequest) apply(d *Denial) {
	if r.PatientID != nil {
		d.PatientID = r.PatientID
	}
	if r.PrimaryProfessional != nil {
		d.PrimaryProfessionalID = r.PrimaryProfessional
	}
	d.DenialText = r.DenialText
	d.HealthHistory = r.HealthHistory
	d.InsuranceCompany = r.InsuranceCompany
	d.Procedure = r.Procedure
	d.Diagnosis = r.Diagnosis
	d.FaxPhone = r.FaxPhone
	d.ProfessionalToFinish = r.ProfessionalToFinish
	d.Email = r.Email
}

// DenialResult is returned after a denial is recorded. AppealID is the
// denial's pending appeal, when there is one.
type DenialResult struct {
	DenialID int64     `json:"denial_id"`
	UUID     uuid.UUID `json:"uuid"`
	AppealID *int64    `json:"appeal_id"`
}

type QARequest struct {
	DenialID int64             `json:"denial_id"`
	QA       map[string]string `json:"qa"`
}

// AssembleRequest names the denial by uuid or id; the uuid wins when both are
// given.
type AssembleRequest struct {
	DenialUUID                   *uuid.UUID `json:"denial_uuid"`
	DenialID                     *int64     `json:"denial_id"`
	CompletedAppealText          string     `json:"completed_appeal_text"`
	InsuranceCompany             *string    `json:"insurance_company"`
	FaxPhone                     *string    `json:"fax_phone"`
	PubmedArticlesToInclude      []string   `json:"pubmed_articles_to_include"`
	IncludeProvidedHealthHistory bool       `json:"include_provided_health_history"`
}

func (r *AssembleRequest) Validate() error {
	if r.DenialUUID == nil && r.DenialID == nil {
		return apperr.Validation("denial_uuid or denial_id is required")
	}
	if strings.TrimSpace(r.CompletedAppealText) == "" {
		return apperr.Validation("completed_appeal_text is required")
	}
	return nil
}

type SendFaxRequest struct {
	AppealID  int64   `json:"appeal_id"`
	FaxNumber *string `json:"fax_number"`
}

// SendFaxResult reports whether the fax went out or was handed to a
// professional instead.
type SendFaxResult struct {
	HandedOff bool
	JobID     uuid.UUID
}

type NotifyPatientRequest struct {
	ID                  int64 `json:"id"`
	IncludeProfessional bool  `json:"include_professional"`
}

type InviteProviderRequest struct {
	AppealID       int64      `json:"appeal_id"`
	ProfessionalID *uuid.UUID `json:"professional_id"`
	Email          string     `json:"email"`
}

func (r *InviteProviderRequest) Validate() error {
	if r.ProfessionalID == nil && strings.TrimSpace(r.Email) == "" {
		return apperr.Validation("professional_id or email is required")
	}
	return nil
}

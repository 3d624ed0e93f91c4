package appeal

import (
	"context"

	"github.com/google/uuid"

	"github.com/fightpaperwork/appeals/internal/domain/identity"
	"github.com/fightpaperwork/appeals/pkg/pagination"
)

// Every *Visible method returns apperr.NotFound for records outside the
// actor's visible set, exactly as for records that do not exist.

type DenialRepository interface {
	Create(ctx context.Context, d *Denial) error
	Update(ctx context.Context, d *Denial) error
	GetByID(ctx context.Context, id int64) (*Denial, error)
	GetVisible(ctx context.Context, actor identity.Actor, id int64) (*Denial, error)
	GetVisibleByUUID(ctx context.Context, actor identity.Actor, id uuid.UUID) (*Denial, error)
	ListVisible(ctx context.Context, actor identity.Actor, p pagination.Params) ([]*Denial, int, error)
	UpsertQA(ctx context.Context, denialID int64, question, answer string) error
	// ListQA returns the denial's answers in insertion order.
	ListQA(ctx context.Context, denialID int64) ([]QA, error)
	SetQAContext(ctx context.Context, denialID int64, qaContext string) error
}

type AppealRepository interface {
	Create(ctx context.Context, a *Appeal) error
	Update(ctx context.Context, a *Appeal) error
	GetVisible(ctx context.Context, actor identity.Actor, id int64) (*Appeal, error)
	// FindPendingForDenial returns the visible pending appeal of a denial.
	FindPendingForDenial(ctx context.Context, actor identity.Actor, denialID int64) (*Appeal, error)
	ExistsForDenial(ctx context.Context, denialID int64) (bool, error)
	// SetPendingParties moves the denial's pending appeals to a new patient
	// and primary professional.
	SetPendingParties(ctx context.Context, denialID int64, patientID, primaryProfessionalID *uuid.UUID) error
	ListVisible(ctx context.Context, actor identity.Actor, p pagination.Params) ([]*Appeal, int, error)
	Search(ctx context.Context, actor identity.Actor, query string, p pagination.Params) ([]SearchResult, int, error)
	// Count aggregates the visible appeals, limited to w when it is non-nil.
	Count(ctx context.Context, actor identity.Actor, w *Window) (Counts, error)
	AddSecondaryProfessional(ctx context.Context, appealID int64, professionalID uuid.UUID) error
	StageFax(ctx context.Context, job *FaxJob) error
	MarkFaxSent(ctx context.Context, jobID uuid.UUID) error
}

type AttachmentRepository interface {
	Create(ctx context.Context, a *Attachment) error
	GetVisible(ctx context.Context, actor identity.Actor, id int64) (*Attachment, error)
	ListForAppeal(ctx context.Context, appealID int64) ([]*Attachment, error)
	Delete(ctx context.Context, id int64) error
}

// Contact is what notifications need to know about a person.
type Contact struct {
	UserID uuid.UUID
	Email  string
	Name   string
	Active bool
}

// ContactRepository reads people referenced by appeals.
type ContactRepository interface {
	Patient(ctx context.Context, patientID uuid.UUID) (*Contact, error)
	Professional(ctx context.Context, professionalID uuid.UUID) (*Contact, error)
	ProfessionalByEmail(ctx context.Context, email string) (uuid.UUID, error)
	User(ctx context.Context, userID uuid.UUID) (*Contact, error)
}

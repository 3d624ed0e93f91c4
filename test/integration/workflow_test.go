//go:build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/fightpaperwork/appeals/internal/domain/appeal"
	"github.com/fightpaperwork/appeals/internal/domain/identity"
	"github.com/fightpaperwork/appeals/internal/platform/apperr"
	"github.com/fightpaperwork/appeals/pkg/pagination"
)

type workflow struct {
	env          *env
	professional identity.Actor
	patient      identity.Actor
}

func newWorkflow(t *testing.T) *workflow {
	t.Helper()
	domainID := seedDomain(t, "")
	return &workflow{
		env:          newEnv(t),
		professional: seedProfessional(t, domainID, false, false),
		patient:      seedPatient(t, domainID),
	}
}

func (w *workflow) denial(t *testing.T, professionalToFinish bool) *appeal.DenialResult {
	t.Helper()
	res, err := w.env.appeals.RecordDenial(context.Background(), w.professional, &appeal.DenialRequest{
		PatientID:            &w.patient.PatientID,
		DenialText:           "Prior authorization denied for knee MRI",
		InsuranceCompany:     strPtr("Acme Health"),
		FaxPhone:             strPtr("(555) 010-2000"),
		ProfessionalToFinish: professionalToFinish,
	})
	if err != nil {
		t.Fatalf("record denial: %v", err)
	}
	if res.AppealID == nil {
		t.Fatal("expected an appeal to be created with the denial")
	}
	return res
}

func (w *workflow) assemble(t *testing.T, denialID int64, text string) int64 {
	t.Helper()
	id, err := w.env.appeals.AssembleAppeal(context.Background(), w.professional, &appeal.AssembleRequest{
		DenialID:            &denialID,
		CompletedAppealText: text,
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return id
}

func TestWorkflow_ProfessionalSendsFax(t *testing.T) {
	ctx := context.Background()
	w := newWorkflow(t)
	res := w.denial(t, false)

	a, err := w.env.appeals.GetAppeal(ctx, w.professional, *res.AppealID)
	if err != nil {
		t.Fatalf("get appeal: %v", err)
	}
	if !a.Pending || a.Status() != "pending" {
		t.Fatalf("new appeal should be raw pending, got %q", a.Status())
	}

	appealID := w.assemble(t, res.DenialID, "Dear Acme Health, please reconsider.")
	if appealID != *res.AppealID {
		t.Errorf("assemble should reuse the pending appeal %d, got %d", *res.AppealID, appealID)
	}
	a, _ = w.env.appeals.GetAppeal(ctx, w.professional, appealID)
	if a.Status() != "assembled" || a.AppealText == nil {
		t.Fatalf("expected assembled appeal with text, got %q", a.Status())
	}

	out, err := w.env.appeals.SendFax(ctx, w.professional, &appeal.SendFaxRequest{AppealID: appealID})
	if err != nil {
		t.Fatalf("send fax: %v", err)
	}
	if out.HandedOff {
		t.Error("professional send must not hand off")
	}

	a, _ = w.env.appeals.GetAppeal(ctx, w.professional, appealID)
	if a.Pending || !a.Sent {
		t.Errorf("expected pending=false sent=true, got pending=%v sent=%v", a.Pending, a.Sent)
	}
	jobs := w.env.faxes.Jobs()
	if len(jobs) != 1 || jobs[0].Destination != "5550102000" {
		t.Fatalf("expected one fax to 5550102000, got %+v", jobs)
	}

	var sent bool
	if err := globalPool.QueryRow(ctx, `SELECT sent FROM fax_jobs WHERE appeal_id = $1`, appealID).Scan(&sent); err != nil {
		t.Fatalf("load fax job: %v", err)
	}
	if !sent {
		t.Error("staged fax job should be marked sent")
	}
}

func TestWorkflow_PatientHandsOffToProfessional(t *testing.T) {
	ctx := context.Background()
	w := newWorkflow(t)
	res := w.denial(t, true)
	appealID := w.assemble(t, res.DenialID, "Draft for the doctor to finish")

	out, err := w.env.appeals.SendFax(ctx, w.patient, &appeal.SendFaxRequest{AppealID: appealID})
	if err != nil {
		t.Fatalf("send fax as patient: %v", err)
	}
	if !out.HandedOff {
		t.Error("expected hand-off to the professional")
	}

	a, err := w.env.appeals.GetAppeal(ctx, w.professional, appealID)
	if err != nil {
		t.Fatalf("get appeal: %v", err)
	}
	if !a.Pending || !a.PendingProfessional || a.PendingPatient || a.Sent {
		t.Errorf("unexpected flags after hand-off: %+v", a)
	}
	if n := len(w.env.faxes.Jobs()); n != 0 {
		t.Errorf("no fax may be dispatched on hand-off, got %d", n)
	}
}

func TestWorkflow_AssembleWithoutPatientFails(t *testing.T) {
	ctx := context.Background()
	w := newWorkflow(t)
	res, err := w.env.appeals.RecordDenial(ctx, w.professional, &appeal.DenialRequest{DenialText: "denied"})
	if err != nil {
		t.Fatalf("record denial: %v", err)
	}

	_, err = w.env.appeals.AssembleAppeal(ctx, w.professional, &appeal.AssembleRequest{
		DenialID:            &res.DenialID,
		CompletedAppealText: "text",
	})
	if !apperr.Is(err, apperr.CodeValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestWorkflow_QAContextRebuilt(t *testing.T) {
	ctx := context.Background()
	w := newWorkflow(t)
	res := w.denial(t, false)

	for _, qa := range []map[string]string{
		{"Was it urgent?": "Yes", "Prior treatment?": "PT for 6 weeks"},
		{"Was it urgent?": "Very", "": "ignored"},
	} {
		if err := w.env.appeals.SetQA(ctx, w.professional, &appeal.QARequest{DenialID: res.DenialID, QA: qa}); err != nil {
			t.Fatalf("set qa: %v", err)
		}
	}

	d, err := w.env.appeals.GetDenial(ctx, w.professional, res.DenialID)
	if err != nil {
		t.Fatalf("get denial: %v", err)
	}
	want := "Prior treatment?: PT for 6 weeks\nWas it urgent?: Very\n"
	if d.QAContext != want {
		t.Errorf("expected QA context %q, got %q", want, d.QAContext)
	}
}

func TestVisibility_PendingMemberCannotSeeDomainAppeals(t *testing.T) {
	ctx := context.Background()
	w := newWorkflow(t)
	res := w.denial(t, false)

	domainID := w.professional.DomainID
	admin := seedProfessional(t, domainID, false, true)
	newcomer := seedProfessional(t, domainID, true, false)

	_, err := w.env.appeals.GetAppeal(ctx, newcomer, *res.AppealID)
	if !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("pending member: expected not found, got %v", err)
	}

	if err := w.env.practices.Accept(ctx, admin.UserID, newcomer.ProfessionalID, domainID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := w.env.appeals.GetAppeal(ctx, newcomer, *res.AppealID); err != nil {
		t.Errorf("accepted member should see the appeal: %v", err)
	}

	outsider := seedPatient(t, seedDomain(t, ""))
	if _, err := w.env.appeals.GetAppeal(ctx, outsider, *res.AppealID); !apperr.Is(err, apperr.CodeNotFound) {
		t.Errorf("unrelated patient: expected not found, got %v", err)
	}
}

func TestSearch_SecondPage(t *testing.T) {
	ctx := context.Background()
	w := newWorkflow(t)
	for i := 0; i < 15; i++ {
		res := w.denial(t, false)
		w.assemble(t, res.DenialID, fmt.Sprintf("Appeal %d for the lumbar fusion", i))
	}
	other := w.denial(t, false)
	w.assemble(t, other.DenialID, "Unrelated cardiology appeal")

	out, err := w.env.appeals.Search(ctx, w.professional, "LUMBAR", pagination.New(2, 10))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	rows, ok := out.Results.([]appeal.SearchResult)
	if !ok {
		t.Fatalf("unexpected results type %T", out.Results)
	}
	if out.Count != 15 || len(rows) != 5 {
		t.Errorf("expected 5 of 15, got %d of %d", len(rows), out.Count)
	}
	if !out.Previous || out.Next {
		t.Errorf("expected previous=true next=false, got %v/%v", out.Previous, out.Next)
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].ModDate.After(rows[i-1].ModDate) {
			t.Errorf("results not sorted by mod_date desc at %d", i)
		}
	}
}

func TestStats_ZeroResponsesGiveZeroRate(t *testing.T) {
	ctx := context.Background()
	w := newWorkflow(t)
	w.denial(t, false)

	s, err := w.env.appeals.Stats(ctx, w.professional, "QoQ")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.CurrentTotalAppeals != 1 || s.CurrentSuccessRate != 0 || s.PreviousSuccessRate != 0 {
		t.Errorf("unexpected stats %+v", s)
	}

	abs, err := w.env.appeals.AbsoluteStats(ctx, w.professional)
	if err != nil {
		t.Fatalf("absolute stats: %v", err)
	}
	if abs.SuccessRate != 0 || abs.TotalAppeals != 1 || abs.TotalPatients != 1 {
		t.Errorf("unexpected absolute stats %+v", abs)
	}
}

func TestAttachments_RoundTripEncrypted(t *testing.T) {
	ctx := context.Background()
	w := newWorkflow(t)
	res := w.denial(t, false)
	body := []byte("%PDF-1.4 denial letter")

	att, err := w.env.appeals.AddAttachment(ctx, w.professional, *res.AppealID, "letter.pdf", "application/pdf", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("add attachment: %v", err)
	}

	_, got, err := w.env.appeals.GetAttachment(ctx, w.patient, att.ID)
	if err != nil {
		t.Fatalf("get attachment: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("attachment content mismatch")
	}

	outsider := seedProfessional(t, seedDomain(t, ""), false, false)
	if _, _, err := w.env.appeals.GetAttachment(ctx, outsider, att.ID); !apperr.Is(err, apperr.CodeNotFound) {
		t.Errorf("outsider: expected not found, got %v", err)
	}

	if err := w.env.appeals.DeleteAttachment(ctx, w.professional, att.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := w.env.appeals.GetAttachment(ctx, w.professional, att.ID); !apperr.Is(err, apperr.CodeNotFound) {
		t.Errorf("deleted attachment: expected not found, got %v", err)
	}
}

package practice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fightpaperwork/appeals/internal/platform/apperr"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return mock
}

var domainCols = []string{
	"id", "name", "display_name", "business_name", "active", "stripe_subscription_id",
	"visible_phone_number", "internal_phone_number", "office_fax",
	"country", "state", "city", "address1", "address2", "zipcode",
	"default_procedure", "cover_template_string", "created_at",
}

func TestDomainRepo_GetByName(t *testing.T) {
	mock := newMock(t)
	repo := NewDomainRepo(mock)
	id := uuid.New()
	name, sub := "clinic.org", "sub_1"

	mock.ExpectQuery(`SELECT .* FROM domains WHERE name = \$1`).
		WithArgs("clinic.org").
		WillReturnRows(pgxmock.NewRows(domainCols).AddRow(
			id, &name, "Clinic", nil, true, &sub,
			"5551234567", nil, nil,
			"USA", "CA", "Oakland", "1 Main St", nil, "94601",
			nil, nil, time.Now(),
		))

	d, err := repo.GetByName(context.Background(), "clinic.org")
	require.NoError(t, err)
	assert.Equal(t, id, d.ID)
	assert.Equal(t, "sub_1", d.SubscriptionID())
	assert.Equal(t, "5551234567", d.VisiblePhoneNumber)
}

func TestDomainRepo_GetByPhone_NotFound(t *testing.T) {
	mock := newMock(t)
	repo := NewDomainRepo(mock)

	mock.ExpectQuery(`FROM domains WHERE visible_phone_number = \$1`).
		WithArgs("000").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetByPhone(context.Background(), "000")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestDomainRepo_Create(t *testing.T) {
	mock := newMock(t)
	repo := NewDomainRepo(mock)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO domains`).
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), "Clinic", pgxmock.AnyArg(), false, pgxmock.AnyArg(),
			"5551234567", pgxmock.AnyArg(), pgxmock.AnyArg(),
			"USA", "", "", "", pgxmock.AnyArg(), "",
			pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(now))

	d := &Domain{DisplayName: "Clinic", VisiblePhoneNumber: "5551234567", Country: "USA"}
	require.NoError(t, repo.Create(context.Background(), d))
	assert.NotEqual(t, uuid.Nil, d.ID)
	assert.Equal(t, now, d.CreatedAt)
}

func TestMembershipRepo_Get(t *testing.T) {
	mock := newMock(t)
	repo := NewMembershipRepo(mock)
	prof, dom := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM professional_domain_relations`).
		WithArgs(prof, dom).
		WillReturnRows(pgxmock.NewRows([]string{"id", "admin", "read_only", "professional_type", "pending", "suspended", "rejected"}).
			AddRow(int64(4), true, false, nil, false, false, false))

	m, err := repo.Get(context.Background(), prof, dom)
	require.NoError(t, err)
	assert.Equal(t, int64(4), m.ID)
	assert.True(t, m.Admin)
	assert.True(t, m.Active())
}

func TestMembershipRepo_Get_NotFound(t *testing.T) {
	mock := newMock(t)
	repo := NewMembershipRepo(mock)

	mock.ExpectQuery(`FROM professional_domain_relations`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.Get(context.Background(), uuid.New(), uuid.New())
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestMembershipRepo_UpdateFlags(t *testing.T) {
	prof, dom := uuid.New(), uuid.New()
	m := NewMembership(prof, dom, false)
	expect := m.Flags()
	require.NoError(t, m.Accept())

	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"applied", 1, true},
		{"lost race", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			repo := NewMembershipRepo(mock)
			mock.ExpectExec(`UPDATE professional_domain_relations`).
				WithArgs(prof, dom, false, false, false, true, true, false, false).
				WillReturnResult(pgxmock.NewResult("UPDATE", tt.affected))

			ok, err := repo.UpdateFlags(context.Background(), m, expect)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestMembershipRepo_UpdateFlags_Error(t *testing.T) {
	mock := newMock(t)
	repo := NewMembershipRepo(mock)
	m := NewMembership(uuid.New(), uuid.New(), false)

	mock.ExpectExec(`UPDATE professional_domain_relations`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("deadlock"))

	_, err := repo.UpdateFlags(context.Background(), m, m.Flags())
	assert.ErrorContains(t, err, "deadlock")
}

func TestMembershipRepo_IsAdmin(t *testing.T) {
	mock := newMock(t)
	repo := NewMembershipRepo(mock)
	user, dom := uuid.New(), uuid.New()

	mock.ExpectQuery(`pdr.admin AND NOT pdr.pending AND pdr.active`).
		WithArgs(user, dom).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := repo.IsAdmin(context.Background(), user, dom)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMembershipRepo_ListProfessionals_Pending(t *testing.T) {
	mock := newMock(t)
	repo := NewMembershipRepo(mock)
	dom, p1 := uuid.New(), uuid.New()

	mock.ExpectQuery(`WHERE pdr.domain_id = \$1 AND pdr.pending`).
		WithArgs(dom).
		WillReturnRows(pgxmock.NewRows([]string{"id", "npi", "name"}).AddRow(p1, "1234567890", "Ada Lovelace"))

	out, err := repo.ListProfessionals(context.Background(), dom, StatusPending)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, ProfessionalSummary{ProfessionalUserID: p1, NPI: "1234567890", Name: "Ada Lovelace"}, out[0])
}

func TestMembershipRepo_ListProfessionals_Empty(t *testing.T) {
	mock := newMock(t)
	repo := NewMembershipRepo(mock)
	dom := uuid.New()

	mock.ExpectQuery(`WHERE pdr.domain_id = \$1 AND pdr.active`).
		WithArgs(dom).
		WillReturnRows(pgxmock.NewRows([]string{"id", "npi", "name"}))

	out, err := repo.ListProfessionals(context.Background(), dom, StatusActive)
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestMembershipRepo_CountPatients(t *testing.T) {
	mock := newMock(t)
	repo := NewMembershipRepo(mock)
	dom := uuid.New()

	mock.ExpectQuery(`COUNT\(DISTINCT patient_id\)`).
		WithArgs(dom).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

	n, err := repo.CountPatients(context.Background(), dom)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fightpaperwork/appeals/internal/domain/appeal"
	"github.com/fightpaperwork/appeals/internal/domain/identity"
	"github.com/fightpaperwork/appeals/internal/domain/practice"
	"github.com/fightpaperwork/appeals/internal/platform/billing"
	"github.com/fightpaperwork/appeals/internal/platform/blobstore"
	"github.com/fightpaperwork/appeals/internal/platform/db"
	"github.com/fightpaperwork/appeals/internal/platform/fax"
	"github.com/fightpaperwork/appeals/internal/platform/hipaa"
	"github.com/fightpaperwork/appeals/internal/platform/notification"
)

// globalPool is shared by every test in the package and initialized once in
// TestMain. Tests isolate themselves by creating fresh users and domains.
var globalPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pool, cleanup, err := setupPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func setupPostgres(ctx context.Context) (*pgxpool.Pool, func(), error) {
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("appealstest"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("start postgres: %w", err)
	}
	terminate := func() { _ = container.Terminate(context.Background()) }

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		return nil, nil, err
	}

	pool, err := db.NewPool(ctx, connStr, db.PoolOptions{MaxConns: 10})
	if err != nil {
		terminate()
		return nil, nil, err
	}

	if _, err := db.NewMigrator(pool, findMigrationsDir()).Up(ctx); err != nil {
		pool.Close()
		terminate()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}

	return pool, func() {
		pool.Close()
		terminate()
	}, nil
}

// findMigrationsDir locates the migrations directory relative to this file.
func findMigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// -- Services --

type env struct {
	practices *practice.Service
	identity  *identity.Service
	appeals   *appeal.Service
	seats     *billing.MockProvider
	faxes     *fax.MockDispatcher
	mail      *notification.MockEmailSender
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zerolog.Nop()
	tx := db.NewTransactor(globalPool)

	enc, err := hipaa.NewEphemeralEncryptor()
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}

	e := &env{
		seats: &billing.MockProvider{CheckoutURL: "https://checkout.example.com/session"},
		faxes: &fax.MockDispatcher{},
		mail:  &notification.MockEmailSender{},
	}
	notifier := notification.NewNotifier(e.mail, notification.NewTemplateEngine(), logger)

	e.practices = practice.NewService(tx,
		practice.NewDomainRepo(globalPool),
		practice.NewMembershipRepo(globalPool),
		e.seats, logger)
	e.identity = identity.NewService(tx,
		identity.NewUserRepo(globalPool),
		identity.NewProfileRepo(globalPool),
		identity.NewTokenRepo(globalPool),
		e.practices, e.seats, notifier,
		identity.Options{FrontendURL: "https://app.example.com"},
		logger)
	e.appeals = appeal.NewService(tx,
		appeal.NewDenialRepo(globalPool),
		appeal.NewAppealRepo(globalPool),
		appeal.NewAttachmentRepo(globalPool),
		appeal.NewContactRepo(globalPool),
		e.practices,
		blobstore.NewFSStore(afero.NewMemMapFs(), enc),
		e.faxes, notifier,
		appeal.Options{FrontendURL: "https://app.example.com"},
		logger)
	return e
}

// -- Seed helpers --

func seedDomain(t *testing.T, subscriptionID string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	var sub *string
	if subscriptionID != "" {
		sub = &subscriptionID
	}
	_, err := globalPool.Exec(context.Background(),
		`INSERT INTO domains (id, name, display_name, active, stripe_subscription_id, visible_phone_number)
		 VALUES ($1, $2, $3, TRUE, $4, $5)`,
		id, "d-"+id.String()[:8], "Clinic "+id.String()[:8], sub, id.String()[:10])
	if err != nil {
		t.Fatalf("seed domain: %v", err)
	}
	return id
}

func seedUser(t *testing.T, domainID uuid.UUID, active bool) (uuid.UUID, string) {
	t.Helper()
	id := uuid.New()
	email := "u-" + id.String()[:8] + "@example.com"
	_, err := globalPool.Exec(context.Background(),
		`INSERT INTO users (id, username, email, first_name, last_name, active, email_verified)
		 VALUES ($1, $2, $3, 'Test', 'User', $4, $4)`,
		id, identity.CombineUsername(email, domainID), email, active)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id, email
}

// seedProfessional creates an active professional user with a membership in
// domainID. pending leaves the membership awaiting admin approval.
func seedProfessional(t *testing.T, domainID uuid.UUID, pending, admin bool) identity.Actor {
	t.Helper()
	ctx := context.Background()
	userID, _ := seedUser(t, domainID, true)
	profID := uuid.New()
	if _, err := globalPool.Exec(ctx,
		`INSERT INTO professional_users (id, user_id, active, display_name) VALUES ($1, $2, TRUE, 'Dr. Test')`,
		profID, userID); err != nil {
		t.Fatalf("seed professional: %v", err)
	}
	if _, err := globalPool.Exec(ctx,
		`INSERT INTO professional_domain_relations (professional_id, domain_id, pending, active, admin)
		 VALUES ($1, $2, $3, NOT $3, $4)`,
		profID, domainID, pending, admin); err != nil {
		t.Fatalf("seed membership: %v", err)
	}
	return identity.Actor{UserID: userID, ProfessionalID: profID, DomainID: domainID}
}

func seedPatient(t *testing.T, domainID uuid.UUID) identity.Actor {
	t.Helper()
	ctx := context.Background()
	userID, _ := seedUser(t, domainID, true)
	patientID := uuid.New()
	if _, err := globalPool.Exec(ctx,
		`INSERT INTO patient_users (id, user_id, active, display_name) VALUES ($1, $2, TRUE, 'Pat Test')`,
		patientID, userID); err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	if _, err := globalPool.Exec(ctx,
		`INSERT INTO patient_domain_relations (patient_id, domain_id) VALUES ($1, $2)`,
		patientID, domainID); err != nil {
		t.Fatalf("seed patient relation: %v", err)
	}
	return identity.Actor{UserID: userID, PatientID: patientID, DomainID: domainID}
}

func strPtr(s string) *string { return &s }

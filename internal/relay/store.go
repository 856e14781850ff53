package relay

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"

	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// JobRecord is one durable row tracking a relayer-signed submission, kept
// for audit and crash-recovery purposes: a restarted orchestrator can
// answer "did create_account for alice.near already go out?" by reading
// relay_jobs rather than re-deriving it from chain state alone.
type JobRecord struct {
	ID          string    `db:"id"`
	Kind        string    `db:"kind"` // "create_account" | "create_account_and_register_user"
	AccountID   string    `db:"account_id"`
	State       string    `db:"state"` // "pending" | "succeeded" | "failed"
	TxHash      string    `db:"tx_hash"`
	ErrorKind   string    `db:"error_kind"`
	ErrorDetail string    `db:"error_detail"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// RegistrationRecord is a durable row recording a completed WebAuthn
// registration, keyed by the NEAR account it was registered for.
type RegistrationRecord struct {
	AccountID    string    `db:"account_id"`
	CredentialID string    `db:"credential_id"`
	RPID         string    `db:"rp_id"`
	RegisteredAt time.Time `db:"registered_at"`
}

// Store is the relay orchestrator's durable ledger, per spec.md §4.H. It
// is deliberately narrow: the orchestrator's in-memory queue and chain
// state remain the source of truth for in-flight work; Store exists so a
// restarted process can reconstruct recent history for auditing and
// idempotency checks rather than re-deriving everything from RPC replay.
type Store interface {
	RecordJob(ctx context.Context, rec JobRecord) (string, error)
	UpdateJobState(ctx context.Context, id, state, txHash, errorKind, errorDetail string) error
	RecordRegistration(ctx context.Context, rec RegistrationRecord) error
	GetRegistration(ctx context.Context, accountID string) (RegistrationRecord, bool, error)
	Close() error
}

// NullStore discards everything. It backs the orchestrator when
// DATABASE_URL is unset — the relay's request/response flow never
// depends on the ledger, only on-restart auditing and idempotency
// checks do — so demo and single-node deployments can run with no
// Postgres instance at all.
type NullStore struct{}

func (NullStore) RecordJob(_ context.Context, rec JobRecord) (string, error) {
	if rec.ID == "" {
		return uuid.NewString(), nil
	}
	return rec.ID, nil
}
func (NullStore) UpdateJobState(context.Context, string, string, string, string, string) error {
	return nil
}
func (NullStore) RecordRegistration(context.Context, RegistrationRecord) error { return nil }
func (NullStore) GetRegistration(context.Context, string) (RegistrationRecord, bool, error) {
	return RegistrationRecord{}, false, nil
}
func (NullStore) Close() error { return nil }

// PostgresStore is the jmoiron/sqlx + lib/pq-backed Store, grounded on
// packages/com.r3e.services.automation's store_postgres.go repository
// pattern (raw parameterized SQL, no ORM) and
// internal/platform/database.Open's dial-then-ping idiom, generalized to
// sqlx for named-parameter ergonomics.
type PostgresStore struct {
	db *sqlx.DB
}

// OpenPostgresStore dials dsn, verifies connectivity, and — when
// migrateOnStart is set — applies any pending embedded migrations via
// golang-migrate before returning.
func OpenPostgresStore(ctx context.Context, dsn string, migrateOnStart bool) (*PostgresStore, error) {
	if dsn == "" {
		return nil, werrors.New(werrors.ConfigError, "DATABASE_URL is required")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, werrors.Wrap(werrors.ConfigError, "open postgres", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, werrors.Wrap(werrors.ConfigError, "ping postgres", err)
	}
	if migrateOnStart {
		if err := runMigrations(db.DB, dsn); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB, dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return werrors.Wrap(werrors.ConfigError, "load embedded migrations", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return werrors.Wrap(werrors.ConfigError, "init migration driver", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return werrors.Wrap(werrors.ConfigError, "init migrator", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return werrors.Wrap(werrors.ConfigError, "run migrations", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// RecordJob inserts a new job row, assigning an id if rec.ID is empty, and
// returns the id actually stored.
func (s *PostgresStore) RecordJob(ctx context.Context, rec JobRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO relay_jobs (id, kind, account_id, state, tx_hash, error_kind, error_detail, created_at, updated_at)
		VALUES (:id, :kind, :account_id, :state, :tx_hash, :error_kind, :error_detail, :created_at, :updated_at)
	`, rec)
	if err != nil {
		return "", werrors.Wrap(werrors.RpcFatal, "record relay job", err)
	}
	return rec.ID, nil
}

// UpdateJobState transitions an existing job row to a terminal or
// intermediate state, recording the transaction hash or error on
// completion.
func (s *PostgresStore) UpdateJobState(ctx context.Context, id, state, txHash, errorKind, errorDetail string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE relay_jobs
		SET state = $2, tx_hash = $3, error_kind = $4, error_detail = $5, updated_at = $6
		WHERE id = $1
	`, id, state, txHash, errorKind, errorDetail, time.Now().UTC())
	if err != nil {
		return werrors.Wrap(werrors.RpcFatal, "update relay job state", err)
	}
	return nil
}

// RecordRegistration upserts the registration row for rec.AccountID.
func (s *PostgresStore) RecordRegistration(ctx context.Context, rec RegistrationRecord) error {
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO relay_registrations (account_id, credential_id, rp_id, registered_at)
		VALUES (:account_id, :credential_id, :rp_id, :registered_at)
		ON CONFLICT (account_id) DO UPDATE
		SET credential_id = EXCLUDED.credential_id, rp_id = EXCLUDED.rp_id, registered_at = EXCLUDED.registered_at
	`, rec)
	if err != nil {
		return werrors.Wrap(werrors.RpcFatal, "record registration", err)
	}
	return nil
}

// GetRegistration looks up accountID's registration row, returning
// (zero, false, nil) when absent rather than an error.
func (s *PostgresStore) GetRegistration(ctx context.Context, accountID string) (RegistrationRecord, bool, error) {
	var rec RegistrationRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT account_id, credential_id, rp_id, registered_at
		FROM relay_registrations
		WHERE account_id = $1
	`, accountID)
	if err == sql.ErrNoRows {
		return RegistrationRecord{}, false, nil
	}
	if err != nil {
		return RegistrationRecord{}, false, werrors.Wrap(werrors.RpcFatal, "get registration", err)
	}
	return rec, true, nil
}

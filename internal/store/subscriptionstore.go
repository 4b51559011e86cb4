package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Schema creates the billing tables the provisioning core reads. The partial
// unique index enforces a single active subscription per customer.
const Schema = `
CREATE TABLE IF NOT EXISTS customers (
	id              BIGSERIAL PRIMARY KEY,
	name            TEXT NOT NULL,
	phone           TEXT,
	connection_type TEXT NOT NULL,
	pppoe_username  TEXT,
	ip_address      TEXT,
	billing_mode    TEXT NOT NULL DEFAULT 'prepaid',
	isolated        BOOLEAN NOT NULL DEFAULT FALSE,
	status          TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS packages (
	id                    BIGSERIAL PRIMARY KEY,
	name                  TEXT NOT NULL,
	profile               TEXT,
	parent_download_queue TEXT,
	parent_upload_queue   TEXT,
	download_mbps         INTEGER NOT NULL DEFAULT 0,
	upload_mbps           INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id                    BIGSERIAL PRIMARY KEY,
	customer_id           BIGINT NOT NULL REFERENCES customers(id),
	package_id            BIGINT NOT NULL REFERENCES packages(id),
	activation_date       TIMESTAMPTZ NOT NULL,
	expiry_date           TIMESTAMPTZ NOT NULL,
	status                TEXT NOT NULL,
	reconciliation_status TEXT,
	reconciliation_detail TEXT,
	reconciled_at         TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_one_active
	ON subscriptions (customer_id) WHERE status = 'active';
`

const customerColumns = `c.id, c.name, COALESCE(c.phone, ''), c.connection_type,
	COALESCE(c.pppoe_username, ''), COALESCE(c.ip_address, ''), c.billing_mode, c.isolated, c.status`

const subscriptionColumns = `s.id, s.customer_id, s.package_id, s.activation_date, s.expiry_date, s.status,
	COALESCE(s.reconciliation_status, ''), COALESCE(s.reconciliation_detail, ''), s.reconciled_at,
	p.id, p.name, COALESCE(p.profile, ''), COALESCE(p.parent_download_queue, ''),
	COALESCE(p.parent_upload_queue, ''), p.download_mbps, p.upload_mbps`

// PostgresConfig configures the connection pool of the billing database.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// DefaultPostgresConfig returns pool settings suitable for a single instance.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// OpenPostgres opens the billing database through the pgx driver and checks
// connectivity.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database DSN is required")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// SQLSubscriptionStore implements SubscriptionStore on a PostgreSQL database.
type SQLSubscriptionStore struct {
	db *sql.DB
}

// NewSQLSubscriptionStore creates a subscription store on db.
func NewSQLSubscriptionStore(db *sql.DB) *SQLSubscriptionStore {
	return &SQLSubscriptionStore{db: db}
}

// Migrate creates the schema if it does not exist.
func (s *SQLSubscriptionStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row rowScanner) (*Customer, error) {
	c := &Customer{}
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.ConnectionType,
		&c.PPPoEUsername, &c.IPAddress, &c.BillingMode, &c.Isolated, &c.Status)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	sub := &Subscription{Package: &Package{}}
	var reconciledAt sql.NullTime
	err := row.Scan(&sub.ID, &sub.CustomerID, &sub.PackageID, &sub.ActivationDate, &sub.ExpiryDate, &sub.Status,
		&sub.ReconciliationStatus, &sub.ReconciliationDetail, &reconciledAt,
		&sub.Package.ID, &sub.Package.Name, &sub.Package.Profile, &sub.Package.ParentDownloadQueue,
		&sub.Package.ParentUploadQueue, &sub.Package.DownloadMbps, &sub.Package.UploadMbps)
	if err != nil {
		return nil, err
	}
	if reconciledAt.Valid {
		t := reconciledAt.Time
		sub.ReconciledAt = &t
	}
	return sub, nil
}

// Customer retrieves a customer by ID.
func (s *SQLSubscriptionStore) Customer(ctx context.Context, customerID int64) (*Customer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers c WHERE c.id = $1`, customerID)
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("customer %d: %w", customerID, ErrCustomerNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return c, nil
}

func (s *SQLSubscriptionStore) queryCustomers(ctx context.Context, query string, args ...any) ([]*Customer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	customers := make([]*Customer, 0)
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

// ListCustomers returns every customer ordered by ID.
func (s *SQLSubscriptionStore) ListCustomers(ctx context.Context) ([]*Customer, error) {
	return s.queryCustomers(ctx, `SELECT `+customerColumns+` FROM customers c ORDER BY c.id`)
}

// ListMonitoredCustomers returns the customers eligible for outage detection.
func (s *SQLSubscriptionStore) ListMonitoredCustomers(ctx context.Context) ([]*Customer, error) {
	return s.queryCustomers(ctx, `SELECT `+customerColumns+` FROM customers c
		WHERE c.connection_type = $1 AND c.status = $2 AND COALESCE(c.ip_address, '') <> ''
		AND EXISTS (SELECT 1 FROM subscriptions s WHERE s.customer_id = c.id AND s.status = $3)
		ORDER BY c.id`, ConnectionStaticIP, CustomerActive, SubscriptionActive)
}

// ActiveSubscription returns the active subscription of a customer with its
// package, or nil if there is none.
func (s *SQLSubscriptionStore) ActiveSubscription(ctx context.Context, customerID int64) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions s JOIN packages p ON p.id = s.package_id
		WHERE s.customer_id = $1 AND s.status = $2`, customerID, SubscriptionActive)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active subscription: %w", err)
	}
	return sub, nil
}

// LatestSubscription returns the most recently created subscription of a
// customer regardless of status.
func (s *SQLSubscriptionStore) LatestSubscription(ctx context.Context, customerID int64) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions s JOIN packages p ON p.id = s.package_id
		WHERE s.customer_id = $1 ORDER BY s.id DESC LIMIT 1`, customerID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("customer %d: %w", customerID, ErrSubscriptionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest subscription: %w", err)
	}
	return sub, nil
}

// ReplaceActiveSubscription retires the current active subscription and
// inserts a new active one atomically.
func (s *SQLSubscriptionStore) ReplaceActiveSubscription(ctx context.Context, customerID, packageID int64, activation, expiry time.Time) (*Subscription, error) {
	if !expiry.After(activation) {
		return nil, ErrInvalidPeriod
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	pkg := &Package{}
	err = tx.QueryRowContext(ctx, `SELECT id, name, COALESCE(profile, ''), COALESCE(parent_download_queue, ''),
		COALESCE(parent_upload_queue, ''), download_mbps, upload_mbps FROM packages WHERE id = $1`, packageID).
		Scan(&pkg.ID, &pkg.Name, &pkg.Profile, &pkg.ParentDownloadQueue, &pkg.ParentUploadQueue, &pkg.DownloadMbps, &pkg.UploadMbps)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("package %d: %w", packageID, ErrPackageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE subscriptions SET status = $1 WHERE customer_id = $2 AND status = $3`,
		SubscriptionReplaced, customerID, SubscriptionActive); err != nil {
		return nil, fmt.Errorf("failed to replace active subscription: %w", err)
	}

	sub := &Subscription{
		CustomerID:     customerID,
		PackageID:      packageID,
		Package:        pkg,
		ActivationDate: activation,
		ExpiryDate:     expiry,
		Status:         SubscriptionActive,
	}
	err = tx.QueryRowContext(ctx, `INSERT INTO subscriptions (customer_id, package_id, activation_date, expiry_date, status)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`, customerID, packageID, activation, expiry, SubscriptionActive).
		Scan(&sub.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConcurrentActivation
		}
		return nil, fmt.Errorf("failed to insert subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConcurrentActivation
		}
		return nil, fmt.Errorf("failed to commit activation: %w", err)
	}
	return sub, nil
}

// ExpireDue marks overdue active subscriptions expired.
func (s *SQLSubscriptionStore) ExpireDue(ctx context.Context, now time.Time) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `UPDATE subscriptions SET status = $1
		WHERE status = $2 AND expiry_date <= $3
		RETURNING id, customer_id, package_id, activation_date, expiry_date`,
		SubscriptionExpired, SubscriptionActive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire subscriptions: %w", err)
	}
	defer rows.Close()

	expired := make([]*Subscription, 0)
	for rows.Next() {
		sub := &Subscription{Status: SubscriptionExpired}
		if err := rows.Scan(&sub.ID, &sub.CustomerID, &sub.PackageID, &sub.ActivationDate, &sub.ExpiryDate); err != nil {
			return nil, fmt.Errorf("failed to scan expired subscription: %w", err)
		}
		expired = append(expired, sub)
	}
	return expired, rows.Err()
}

// SetReconciliationStatus annotates a subscription with the outcome of the
// last reconciliation.
func (s *SQLSubscriptionStore) SetReconciliationStatus(ctx context.Context, subscriptionID int64, status ReconciliationStatus, detail string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions
		SET reconciliation_status = $1, reconciliation_detail = $2, reconciled_at = $3 WHERE id = $4`,
		status, detail, at, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to set reconciliation status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set reconciliation status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("subscription %d: %w", subscriptionID, ErrSubscriptionNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

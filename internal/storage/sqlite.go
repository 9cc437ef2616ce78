package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ecoffie/market-assassin-sub003/internal/logger"
	"github.com/ecoffie/market-assassin-sub003/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const purchaseColumns = `id, email, provider_session_id, provider_payment_intent, product_id, tier, bundle_id,
	amount_paid, currency, status, mode, created_at, refunded_at`

type SQLiteStorage struct {
	db   *sql.DB
	path string
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; one connection avoids "database is locked".
	db.SetMaxOpenConns(1)

	storage := &SQLiteStorage{
		db:   db,
		path: path,
	}

	if err := storage.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}

	// m.Close would close s.db through the driver, so it is left open.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	version, _, _ := m.Version()
	logger.Debug("Database migrated", map[string]interface{}{
		"path":    s.path,
		"version": version,
	})
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row rowScanner) (*models.PurchaseRecord, error) {
	var (
		p             models.PurchaseRecord
		paymentIntent sql.NullString
		tier          sql.NullString
		bundleID      sql.NullString
		refundedAt    sql.NullTime
	)
	err := row.Scan(
		&p.ID,
		&p.Email,
		&p.ProviderSessionID,
		&paymentIntent,
		&p.ProductID,
		&tier,
		&bundleID,
		&p.AmountPaid,
		&p.Currency,
		&p.Status,
		&p.Mode,
		&p.CreatedAt,
		&refundedAt,
	)
	if err != nil {
		return nil, err
	}

	p.ProviderPaymentIntent = paymentIntent.String
	p.Tier = tier.String
	p.BundleID = bundleID.String
	if refundedAt.Valid {
		t := refundedAt.Time
		p.RefundedAt = &t
	}
	return &p, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *SQLiteStorage) InsertPurchase(ctx context.Context, p *models.PurchaseRecord) error {
	query := `INSERT INTO purchases (` + purchaseColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_session_id) DO NOTHING`

	var refundedAt sql.NullTime
	if p.RefundedAt != nil {
		refundedAt = sql.NullTime{Time: p.RefundedAt.UTC(), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, query,
		p.ID,
		p.Email,
		p.ProviderSessionID,
		nullable(p.ProviderPaymentIntent),
		p.ProductID,
		nullable(p.Tier),
		nullable(p.BundleID),
		p.AmountPaid,
		p.Currency,
		p.Status,
		p.Mode,
		p.CreatedAt.UTC(),
		refundedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert purchase: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert purchase: %w", err)
	}
	if rows == 0 {
		return ErrDuplicatePurchase
	}
	return nil
}

func (s *SQLiteStorage) findPurchase(ctx context.Context, where string, arg any) (*models.PurchaseRecord, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE ` + where + ` ORDER BY created_at LIMIT 1`

	p, err := scanPurchase(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStorage) FindPurchaseBySession(ctx context.Context, sessionID string) (*models.PurchaseRecord, error) {
	return s.findPurchase(ctx, "provider_session_id = ?", sessionID)
}

func (s *SQLiteStorage) FindPurchaseByPaymentIntent(ctx context.Context, paymentIntent string) (*models.PurchaseRecord, error) {
	if paymentIntent == "" {
		return nil, nil
	}
	return s.findPurchase(ctx, "provider_payment_intent = ?", paymentIntent)
}

func (s *SQLiteStorage) ListPurchasesByEmail(ctx context.Context, email string) ([]*models.PurchaseRecord, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE email = ? ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, models.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Warn("Failed to close rows", map[string]interface{}{"error": err.Error()})
		}
	}()

	var purchases []*models.PurchaseRecord
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		purchases = append(purchases, p)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating purchases: %w", err)
	}

	return purchases, nil
}

func (s *SQLiteStorage) MarkRefunded(ctx context.Context, paymentIntent string, at time.Time) error {
	if paymentIntent == "" {
		return ErrPurchaseNotFound
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET status = ?, refunded_at = ? WHERE provider_payment_intent = ?`,
		models.PurchaseStatusRefunded, at.UTC(), paymentIntent)
	if err != nil {
		return fmt.Errorf("failed to mark purchase refunded: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark purchase refunded: %w", err)
	}
	if rows == 0 {
		return ErrPurchaseNotFound
	}
	return nil
}

func (s *SQLiteStorage) SetAccessFlag(ctx context.Context, email, family, tier string) error {
	column, ok := flagColumns[family]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}

	query := `INSERT INTO user_access (email, ` + column + `, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET ` + column + ` = excluded.` + column + `, updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, models.NormalizeEmail(email), nullable(tier), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set access flag: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetAccessFlags(ctx context.Context, email string) (map[string]string, error) {
	query := `SELECT market_assassin, content_engine, contractor_database, recompete_tracker, opportunity_hunter
		FROM user_access WHERE email = ?`

	var cols [5]sql.NullString
	err := s.db.QueryRowContext(ctx, query, models.NormalizeEmail(email)).Scan(
		&cols[0], &cols[1], &cols[2], &cols[3], &cols[4],
	)

	flags := make(map[string]string)
	if errors.Is(err, sql.ErrNoRows) {
		return flags, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get access flags: %w", err)
	}

	families := []string{"market-assassin", "content-engine", "contractor-database", "recompete-tracker", "opportunity-hunter"}
	for i, family := range families {
		if cols[i].Valid && cols[i].String != "" {
			flags[family] = cols[i].String
		}
	}
	return flags, nil
}

func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/stackpilot/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
// ":memory:" gives a private in-memory database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	params := "_foreign_keys=on&_busy_timeout=5000"
	if dsn != ":memory:" {
		params += "&_journal_mode=WAL"
	}
	db, err := sqlx.Open("sqlite3", dsn+"?"+params)
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	// SQLite has a single writer; one connection also keeps an in-memory
	// database alive and shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	return createDeployment(ctx, s.db, d)
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) GetActiveDeployment(ctx context.Context, environmentID, stackName string) (*domain.Deployment, error) {
	return getActiveDeployment(ctx, s.db, environmentID, stackName)
}

func (s *SQLiteStore) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	return updateDeployment(ctx, s.db, d)
}

func (s *SQLiteStore) ListDeployments(ctx context.Context, filter DeploymentFilter, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.db, filter, opts)
}

func (s *SQLiteStore) CreateProductDeployment(ctx context.Context, p *domain.ProductDeployment) error {
	return createProductDeployment(ctx, s.db, p)
}

func (s *SQLiteStore) GetProductDeployment(ctx context.Context, id string) (*domain.ProductDeployment, error) {
	return getProductDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateProductDeployment(ctx context.Context, p *domain.ProductDeployment) error {
	return updateProductDeployment(ctx, s.db, p)
}

func (s *SQLiteStore) ListProductDeployments(ctx context.Context, filter ProductFilter, opts ListOptions) ([]domain.ProductDeployment, error) {
	return listProductDeployments(ctx, s.db, filter, opts)
}

func (s *SQLiteStore) SaveHealthSnapshot(ctx context.Context, snap *domain.HealthSnapshot) error {
	return saveHealthSnapshot(ctx, s.db, snap)
}

func (s *SQLiteStore) GetLatestHealthSnapshot(ctx context.Context, deploymentID string) (*domain.HealthSnapshot, error) {
	return getLatestHealthSnapshot(ctx, s.db, deploymentID)
}

func (s *SQLiteStore) ListHealthSnapshots(ctx context.Context, deploymentID string, limit int) ([]domain.HealthSnapshot, error) {
	return listHealthSnapshots(ctx, s.db, deploymentID, limit)
}

func (s *SQLiteStore) PruneHealthSnapshots(ctx context.Context, before time.Time) (int64, error) {
	return pruneHealthSnapshots(ctx, s.db, before)
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, events []domain.Event) error {
	return appendEvents(ctx, s.db, events)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, aggregateID string, limit int) ([]domain.Event, error) {
	return listEvents(ctx, s.db, aggregateID, limit)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	if err := fn(&txSQLiteStore{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}
	return nil
}

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	return createDeployment(ctx, s.tx, d)
}

func (s *txSQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) GetActiveDeployment(ctx context.Context, environmentID, stackName string) (*domain.Deployment, error) {
	return getActiveDeployment(ctx, s.tx, environmentID, stackName)
}

func (s *txSQLiteStore) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	return updateDeployment(ctx, s.tx, d)
}

func (s *txSQLiteStore) ListDeployments(ctx context.Context, filter DeploymentFilter, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.tx, filter, opts)
}

func (s *txSQLiteStore) CreateProductDeployment(ctx context.Context, p *domain.ProductDeployment) error {
	return createProductDeployment(ctx, s.tx, p)
}

func (s *txSQLiteStore) GetProductDeployment(ctx context.Context, id string) (*domain.ProductDeployment, error) {
	return getProductDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateProductDeployment(ctx context.Context, p *domain.ProductDeployment) error {
	return updateProductDeployment(ctx, s.tx, p)
}

func (s *txSQLiteStore) ListProductDeployments(ctx context.Context, filter ProductFilter, opts ListOptions) ([]domain.ProductDeployment, error) {
	return listProductDeployments(ctx, s.tx, filter, opts)
}

func (s *txSQLiteStore) SaveHealthSnapshot(ctx context.Context, snap *domain.HealthSnapshot) error {
	return saveHealthSnapshot(ctx, s.tx, snap)
}

func (s *txSQLiteStore) GetLatestHealthSnapshot(ctx context.Context, deploymentID string) (*domain.HealthSnapshot, error) {
	return getLatestHealthSnapshot(ctx, s.tx, deploymentID)
}

func (s *txSQLiteStore) ListHealthSnapshots(ctx context.Context, deploymentID string, limit int) ([]domain.HealthSnapshot, error) {
	return listHealthSnapshots(ctx, s.tx, deploymentID, limit)
}

func (s *txSQLiteStore) PruneHealthSnapshots(ctx context.Context, before time.Time) (int64, error) {
	return pruneHealthSnapshots(ctx, s.tx, before)
}

func (s *txSQLiteStore) AppendEvents(ctx context.Context, events []domain.Event) error {
	return appendEvents(ctx, s.tx, events)
}

func (s *txSQLiteStore) ListEvents(ctx context.Context, aggregateID string, limit int) ([]domain.Event, error) {
	return listEvents(ctx, s.tx, aggregateID, limit)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Deployment Operations
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	ID             string  `db:"id"`
	EnvironmentID  string  `db:"environment_id"`
	StackID        string  `db:"stack_id"`
	StackName      string  `db:"stack_name"`
	ProductName    string  `db:"product_name"`
	CreatedBy      string  `db:"created_by"`
	Status         string  `db:"status"`
	OperationMode  string  `db:"operation_mode"`
	Services       *string `db:"services"`
	StackVersion   string  `db:"stack_version"`
	TargetVersion  string  `db:"target_version"`
	Variables      *string `db:"variables"`
	PendingUpgrade *string `db:"pending_upgrade"`
	ErrorMessage   string  `db:"error_message"`
	Version        int     `db:"version"`
	CreatedAt      string  `db:"created_at"`
	UpdatedAt      string  `db:"updated_at"`
	CompletedAt    *string `db:"completed_at"`
	RemovedAt      *string `db:"removed_at"`
}

func deploymentParams(op string, d *domain.Deployment) (map[string]any, error) {
	services, err := marshalJSON(d.Services)
	if err != nil {
		return nil, NewStoreError(op, "deployment", d.ID, "failed to serialize services", ErrInvalidData)
	}
	variables, err := marshalJSON(d.Variables)
	if err != nil {
		return nil, NewStoreError(op, "deployment", d.ID, "failed to serialize variables", ErrInvalidData)
	}
	pending, err := marshalJSON(d.PendingUpgrade)
	if err != nil {
		return nil, NewStoreError(op, "deployment", d.ID, "failed to serialize pending upgrade", ErrInvalidData)
	}
	return map[string]any{
		"id":              d.ID,
		"environment_id":  d.EnvironmentID,
		"stack_id":        d.StackID,
		"stack_name":      d.StackName,
		"product_name":    d.ProductName,
		"created_by":      d.CreatedBy,
		"status":          string(d.Status),
		"operation_mode":  string(d.OperationMode),
		"services":        services,
		"stack_version":   d.StackVersion,
		"target_version":  d.TargetVersion,
		"variables":       variables,
		"pending_upgrade": pending,
		"error_message":   d.ErrorMessage,
		"version":         d.Version,
		"created_at":      formatTime(d.CreatedAt),
		"updated_at":      formatTime(d.UpdatedAt),
		"completed_at":    formatTimePtr(d.CompletedAt),
		"removed_at":      formatTimePtr(d.RemovedAt),
	}, nil
}

func createDeployment(ctx context.Context, exec executor, d *domain.Deployment) error {
	if d.Version == 0 {
		d.Version = 1
	}
	row, err := deploymentParams("CreateDeployment", d)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO deployments (
			id, environment_id, stack_id, stack_name, product_name, created_by,
			status, operation_mode, services, stack_version, target_version,
			variables, pending_upgrade, error_message, version,
			created_at, updated_at, completed_at, removed_at
		) VALUES (
			:id, :environment_id, :stack_id, :stack_name, :product_name, :created_by,
			:status, :operation_mode, :services, :stack_version, :target_version,
			:variables, :pending_upgrade, :error_message, :version,
			:created_at, :updated_at, :completed_at, :removed_at
		)`

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		msg := err.Error()
		if strings.Contains(msg, "UNIQUE constraint failed: deployments.id") {
			return NewStoreError("CreateDeployment", "deployment", d.ID, "deployment with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(msg, "UNIQUE constraint failed: deployments.environment_id") {
			return NewStoreError("CreateDeployment", "deployment", d.ID, "stack "+d.StackName+" already has an active deployment", domain.ErrActiveDeploymentExists)
		}
		return NewStoreError("CreateDeployment", "deployment", d.ID, msg, err)
	}
	return nil
}

func getDeployment(ctx context.Context, exec executor, id string) (*domain.Deployment, error) {
	var row deploymentRow
	if err := exec.GetContext(ctx, &row, `SELECT * FROM deployments WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeployment", "deployment", id, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployment", "deployment", id, err.Error(), err)
	}
	return rowToDeployment(&row)
}

func getActiveDeployment(ctx context.Context, exec executor, environmentID, stackName string) (*domain.Deployment, error) {
	query := `SELECT * FROM deployments WHERE environment_id = ? AND stack_name = ? AND status != 'removed'`

	var row deploymentRow
	if err := exec.GetContext(ctx, &row, query, environmentID, stackName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetActiveDeployment", "deployment", stackName, "no active deployment", ErrNotFound)
		}
		return nil, NewStoreError("GetActiveDeployment", "deployment", stackName, err.Error(), err)
	}
	return rowToDeployment(&row)
}

func updateDeployment(ctx context.Context, exec executor, d *domain.Deployment) error {
	row, err := deploymentParams("UpdateDeployment", d)
	if err != nil {
		return err
	}

	query := `
		UPDATE deployments SET
			product_name = :product_name,
			status = :status,
			operation_mode = :operation_mode,
			services = :services,
			stack_version = :stack_version,
			target_version = :target_version,
			variables = :variables,
			pending_upgrade = :pending_upgrade,
			error_message = :error_message,
			version = version + 1,
			updated_at = :updated_at,
			completed_at = :completed_at,
			removed_at = :removed_at
		WHERE id = :id AND version = :version`

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: deployments.environment_id") {
			return NewStoreError("UpdateDeployment", "deployment", d.ID, "stack "+d.StackName+" already has an active deployment", domain.ErrActiveDeploymentExists)
		}
		return NewStoreError("UpdateDeployment", "deployment", d.ID, err.Error(), err)
	}

	if err := checkVersionedUpdate(ctx, exec, result, "UpdateDeployment", "deployment", "deployments", d.ID); err != nil {
		return err
	}
	d.Version++
	return nil
}

func listDeployments(ctx context.Context, exec executor, filter DeploymentFilter, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()

	var where []string
	var args []any
	if filter.EnvironmentID != "" {
		where = append(where, "environment_id = ?")
		args = append(args, filter.EnvironmentID)
	}
	if filter.StackName != "" {
		where = append(where, "stack_name = ?")
		args = append(args, filter.StackName)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		clause, inArgs, err := sqlx.In("status IN (?)", statuses)
		if err != nil {
			return nil, NewStoreError("ListDeployments", "deployment", "", err.Error(), err)
		}
		where = append(where, clause)
		args = append(args, inArgs...)
	} else if !filter.IncludeRemoved {
		where = append(where, "status != 'removed'")
	}

	query := `SELECT * FROM deployments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	var rows []deploymentRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError("ListDeployments", "deployment", "", err.Error(), err)
	}

	deployments := make([]domain.Deployment, 0, len(rows))
	for i := range rows {
		d, err := rowToDeployment(&rows[i])
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, nil
}

func rowToDeployment(row *deploymentRow) (*domain.Deployment, error) {
	d := &domain.Deployment{
		ID:            row.ID,
		EnvironmentID: row.EnvironmentID,
		StackID:       row.StackID,
		StackName:     row.StackName,
		ProductName:   row.ProductName,
		CreatedBy:     row.CreatedBy,
		Status:        domain.DeploymentStatus(row.Status),
		StackVersion:  row.StackVersion,
		TargetVersion: row.TargetVersion,
		ErrorMessage:  row.ErrorMessage,
		Version:       row.Version,
	}

	mode, err := domain.ParseOperationMode(row.OperationMode)
	if err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "invalid operation mode "+row.OperationMode, ErrInvalidData)
	}
	d.OperationMode = mode

	if err := unmarshalJSON(row.Services, &d.Services); err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse services", ErrInvalidData)
	}
	if err := unmarshalJSON(row.Variables, &d.Variables); err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse variables", ErrInvalidData)
	}
	if err := unmarshalJSON(row.PendingUpgrade, &d.PendingUpgrade); err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse pending upgrade", ErrInvalidData)
	}

	if d.CreatedAt, err = parseTime(row.CreatedAt); err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "invalid created_at", ErrInvalidData)
	}
	if d.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "invalid updated_at", ErrInvalidData)
	}
	if d.CompletedAt, err = parseTimePtr(row.CompletedAt); err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "invalid completed_at", ErrInvalidData)
	}
	if d.RemovedAt, err = parseTimePtr(row.RemovedAt); err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "invalid removed_at", ErrInvalidData)
	}
	return d, nil
}

// =============================================================================
// Product Deployment Operations
// =============================================================================

// productRow represents a product_deployments row in the database.
type productRow struct {
	ID              string  `db:"id"`
	EnvironmentID   string  `db:"environment_id"`
	ProductGroupID  string  `db:"product_group_id"`
	ProductID       string  `db:"product_id"`
	ProductName     string  `db:"product_name"`
	ProductVersion  string  `db:"product_version"`
	Status          string  `db:"status"`
	Stacks          string  `db:"stacks"`
	SharedVariables *string `db:"shared_variables"`
	ContinueOnError bool    `db:"continue_on_error"`
	TotalStacks     int     `db:"total_stacks"`
	CompletedStacks int     `db:"completed_stacks"`
	FailedStacks    int     `db:"failed_stacks"`
	PendingUpgrade  *string `db:"pending_upgrade"`
	ErrorMessage    string  `db:"error_message"`
	CreatedBy       string  `db:"created_by"`
	Version         int     `db:"version"`
	CreatedAt       string  `db:"created_at"`
	UpdatedAt       string  `db:"updated_at"`
	CompletedAt     *string `db:"completed_at"`
	RemovedAt       *string `db:"removed_at"`
}

func productParams(op string, p *domain.ProductDeployment) (map[string]any, error) {
	stacks, err := json.Marshal(p.Stacks)
	if err != nil {
		return nil, NewStoreError(op, "product_deployment", p.ID, "failed to serialize stacks", ErrInvalidData)
	}
	shared, err := marshalJSON(p.SharedVariables)
	if err != nil {
		return nil, NewStoreError(op, "product_deployment", p.ID, "failed to serialize shared variables", ErrInvalidData)
	}
	pending, err := marshalJSON(p.PendingUpgrade)
	if err != nil {
		return nil, NewStoreError(op, "product_deployment", p.ID, "failed to serialize pending upgrade", ErrInvalidData)
	}
	return map[string]any{
		"id":                p.ID,
		"environment_id":    p.EnvironmentID,
		"product_group_id":  p.ProductGroupID,
		"product_id":        p.ProductID,
		"product_name":      p.ProductName,
		"product_version":   p.ProductVersion,
		"status":            string(p.Status),
		"stacks":            string(stacks),
		"shared_variables":  shared,
		"continue_on_error": p.ContinueOnError,
		"total_stacks":      p.TotalStacks,
		"completed_stacks":  p.CompletedStacks,
		"failed_stacks":     p.FailedStacks,
		"pending_upgrade":   pending,
		"error_message":     p.ErrorMessage,
		"created_by":        p.CreatedBy,
		"version":           p.Version,
		"created_at":        formatTime(p.CreatedAt),
		"updated_at":        formatTime(p.UpdatedAt),
		"completed_at":      formatTimePtr(p.CompletedAt),
		"removed_at":        formatTimePtr(p.RemovedAt),
	}, nil
}

func createProductDeployment(ctx context.Context, exec executor, p *domain.ProductDeployment) error {
	if p.Version == 0 {
		p.Version = 1
	}
	row, err := productParams("CreateProductDeployment", p)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO product_deployments (
			id, environment_id, product_group_id, product_id, product_name, product_version,
			status, stacks, shared_variables, continue_on_error,
			total_stacks, completed_stacks, failed_stacks, pending_upgrade,
			error_message, created_by, version, created_at, updated_at, completed_at, removed_at
		) VALUES (
			:id, :environment_id, :product_group_id, :product_id, :product_name, :product_version,
			:status, :stacks, :shared_variables, :continue_on_error,
			:total_stacks, :completed_stacks, :failed_stacks, :pending_upgrade,
			:error_message, :created_by, :version, :created_at, :updated_at, :completed_at, :removed_at
		)`

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: product_deployments.id") {
			return NewStoreError("CreateProductDeployment", "product_deployment", p.ID, "product deployment with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateProductDeployment", "product_deployment", p.ID, err.Error(), err)
	}
	return nil
}

func getProductDeployment(ctx context.Context, exec executor, id string) (*domain.ProductDeployment, error) {
	var row productRow
	if err := exec.GetContext(ctx, &row, `SELECT * FROM product_deployments WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetProductDeployment", "product_deployment", id, "product deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetProductDeployment", "product_deployment", id, err.Error(), err)
	}
	return rowToProduct(&row)
}

func updateProductDeployment(ctx context.Context, exec executor, p *domain.ProductDeployment) error {
	row, err := productParams("UpdateProductDeployment", p)
	if err != nil {
		return err
	}

	query := `
		UPDATE product_deployments SET
			product_id = :product_id,
			product_name = :product_name,
			product_version = :product_version,
			status = :status,
			stacks = :stacks,
			shared_variables = :shared_variables,
			continue_on_error = :continue_on_error,
			total_stacks = :total_stacks,
			completed_stacks = :completed_stacks,
			failed_stacks = :failed_stacks,
			pending_upgrade = :pending_upgrade,
			error_message = :error_message,
			version = version + 1,
			updated_at = :updated_at,
			completed_at = :completed_at,
			removed_at = :removed_at
		WHERE id = :id AND version = :version`

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateProductDeployment", "product_deployment", p.ID, err.Error(), err)
	}
	if err := checkVersionedUpdate(ctx, exec, result, "UpdateProductDeployment", "product_deployment", "product_deployments", p.ID); err != nil {
		return err
	}
	p.Version++
	return nil
}

func listProductDeployments(ctx context.Context, exec executor, filter ProductFilter, opts ListOptions) ([]domain.ProductDeployment, error) {
	opts = opts.Normalize()

	var where []string
	var args []any
	if filter.EnvironmentID != "" {
		where = append(where, "environment_id = ?")
		args = append(args, filter.EnvironmentID)
	}
	if filter.ProductGroupID != "" {
		where = append(where, "product_group_id = ?")
		args = append(args, filter.ProductGroupID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		clause, inArgs, err := sqlx.In("status IN (?)", statuses)
		if err != nil {
			return nil, NewStoreError("ListProductDeployments", "product_deployment", "", err.Error(), err)
		}
		where = append(where, clause)
		args = append(args, inArgs...)
	}

	query := `SELECT * FROM product_deployments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	var rows []productRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError("ListProductDeployments", "product_deployment", "", err.Error(), err)
	}

	products := make([]domain.ProductDeployment, 0, len(rows))
	for i := range rows {
		p, err := rowToProduct(&rows[i])
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, nil
}

func rowToProduct(row *productRow) (*domain.ProductDeployment, error) {
	p := &domain.ProductDeployment{
		ID:              row.ID,
		EnvironmentID:   row.EnvironmentID,
		ProductGroupID:  row.ProductGroupID,
		ProductID:       row.ProductID,
		ProductName:     row.ProductName,
		ProductVersion:  row.ProductVersion,
		Status:          domain.ProductStatus(row.Status),
		ContinueOnError: row.ContinueOnError,
		TotalStacks:     row.TotalStacks,
		CompletedStacks: row.CompletedStacks,
		FailedStacks:    row.FailedStacks,
		ErrorMessage:    row.ErrorMessage,
		CreatedBy:       row.CreatedBy,
		Version:         row.Version,
	}

	if err := json.Unmarshal([]byte(row.Stacks), &p.Stacks); err != nil {
		return nil, NewStoreError("rowToProduct", "product_deployment", row.ID, "failed to parse stacks", ErrInvalidData)
	}
	if err := unmarshalJSON(row.SharedVariables, &p.SharedVariables); err != nil {
		return nil, NewStoreError("rowToProduct", "product_deployment", row.ID, "failed to parse shared variables", ErrInvalidData)
	}
	if err := unmarshalJSON(row.PendingUpgrade, &p.PendingUpgrade); err != nil {
		return nil, NewStoreError("rowToProduct", "product_deployment", row.ID, "failed to parse pending upgrade", ErrInvalidData)
	}

	var err error
	if p.CreatedAt, err = parseTime(row.CreatedAt); err != nil {
		return nil, NewStoreError("rowToProduct", "product_deployment", row.ID, "invalid created_at", ErrInvalidData)
	}
	if p.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return nil, NewStoreError("rowToProduct", "product_deployment", row.ID, "invalid updated_at", ErrInvalidData)
	}
	if p.CompletedAt, err = parseTimePtr(row.CompletedAt); err != nil {
		return nil, NewStoreError("rowToProduct", "product_deployment", row.ID, "invalid completed_at", ErrInvalidData)
	}
	if p.RemovedAt, err = parseTimePtr(row.RemovedAt); err != nil {
		return nil, NewStoreError("rowToProduct", "product_deployment", row.ID, "invalid removed_at", ErrInvalidData)
	}
	return p, nil
}

// =============================================================================
// Health Snapshot Operations
// =============================================================================

// snapshotRow represents a health_snapshots row in the database.
type snapshotRow struct {
	ID             string  `db:"id"`
	OrganizationID string  `db:"organization_id"`
	EnvironmentID  string  `db:"environment_id"`
	DeploymentID   string  `db:"deployment_id"`
	StackName      string  `db:"stack_name"`
	OperationMode  string  `db:"operation_mode"`
	CurrentVersion string  `db:"current_version"`
	TargetVersion  string  `db:"target_version"`
	Overall        string  `db:"overall"`
	Self           string  `db:"self"`
	Bus            *string `db:"bus"`
	Infra          *string `db:"infra"`
	CapturedAt     string  `db:"captured_at"`
}

func saveHealthSnapshot(ctx context.Context, exec executor, snap *domain.HealthSnapshot) error {
	self, err := json.Marshal(snap.Self)
	if err != nil {
		return NewStoreError("SaveHealthSnapshot", "health_snapshot", snap.ID, "failed to serialize self health", ErrInvalidData)
	}
	bus, err := marshalJSON(snap.Bus)
	if err != nil {
		return NewStoreError("SaveHealthSnapshot", "health_snapshot", snap.ID, "failed to serialize bus health", ErrInvalidData)
	}
	infra, err := marshalJSON(snap.Infra)
	if err != nil {
		return NewStoreError("SaveHealthSnapshot", "health_snapshot", snap.ID, "failed to serialize infra health", ErrInvalidData)
	}

	query := `
		INSERT INTO health_snapshots (
			id, organization_id, environment_id, deployment_id, stack_name, operation_mode,
			current_version, target_version, overall, self, bus, infra, captured_at
		) VALUES (
			:id, :organization_id, :environment_id, :deployment_id, :stack_name, :operation_mode,
			:current_version, :target_version, :overall, :self, :bus, :infra, :captured_at
		)`

	row := map[string]any{
		"id":              snap.ID,
		"organization_id": snap.OrganizationID,
		"environment_id":  snap.EnvironmentID,
		"deployment_id":   snap.DeploymentID,
		"stack_name":      snap.StackName,
		"operation_mode":  string(snap.OperationMode),
		"current_version": snap.CurrentVersion,
		"target_version":  snap.TargetVersion,
		"overall":         string(snap.Overall),
		"self":            string(self),
		"bus":             bus,
		"infra":           infra,
		"captured_at":     formatTime(snap.CapturedAt),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: health_snapshots.id") {
			return NewStoreError("SaveHealthSnapshot", "health_snapshot", snap.ID, "snapshot with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("SaveHealthSnapshot", "health_snapshot", snap.ID, err.Error(), err)
	}
	return nil
}

func getLatestHealthSnapshot(ctx context.Context, exec executor, deploymentID string) (*domain.HealthSnapshot, error) {
	snaps, err := listHealthSnapshots(ctx, exec, deploymentID, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, NewStoreError("GetLatestHealthSnapshot", "health_snapshot", deploymentID, "no snapshot for deployment", ErrNotFound)
	}
	return &snaps[0], nil
}

func listHealthSnapshots(ctx context.Context, exec executor, deploymentID string, limit int) ([]domain.HealthSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT * FROM health_snapshots WHERE deployment_id = ? ORDER BY captured_at DESC, rowid DESC LIMIT ?`

	var rows []snapshotRow
	if err := exec.SelectContext(ctx, &rows, query, deploymentID, limit); err != nil {
		return nil, NewStoreError("ListHealthSnapshots", "health_snapshot", deploymentID, err.Error(), err)
	}

	snaps := make([]domain.HealthSnapshot, 0, len(rows))
	for i := range rows {
		s, err := rowToSnapshot(&rows[i])
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *s)
	}
	return snaps, nil
}

func pruneHealthSnapshots(ctx context.Context, exec executor, before time.Time) (int64, error) {
	result, err := exec.ExecContext(ctx, `DELETE FROM health_snapshots WHERE captured_at < ?`, formatTime(before))
	if err != nil {
		return 0, NewStoreError("PruneHealthSnapshots", "health_snapshot", "", err.Error(), err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func rowToSnapshot(row *snapshotRow) (*domain.HealthSnapshot, error) {
	s := &domain.HealthSnapshot{
		ID:             row.ID,
		OrganizationID: row.OrganizationID,
		EnvironmentID:  row.EnvironmentID,
		DeploymentID:   row.DeploymentID,
		StackName:      row.StackName,
		CurrentVersion: row.CurrentVersion,
		TargetVersion:  row.TargetVersion,
	}

	overall, err := domain.ParseHealthStatus(row.Overall)
	if err != nil {
		return nil, NewStoreError("rowToSnapshot", "health_snapshot", row.ID, "invalid overall status "+row.Overall, ErrInvalidData)
	}
	s.Overall = overall

	// Older rows may carry retired mode names
	mode, err := domain.ParseOperationMode(row.OperationMode)
	if err != nil {
		return nil, NewStoreError("rowToSnapshot", "health_snapshot", row.ID, "invalid operation mode "+row.OperationMode, ErrInvalidData)
	}
	s.OperationMode = mode

	if err := json.Unmarshal([]byte(row.Self), &s.Self); err != nil {
		return nil, NewStoreError("rowToSnapshot", "health_snapshot", row.ID, "failed to parse self health", ErrInvalidData)
	}
	if err := unmarshalJSON(row.Bus, &s.Bus); err != nil {
		return nil, NewStoreError("rowToSnapshot", "health_snapshot", row.ID, "failed to parse bus health", ErrInvalidData)
	}
	if err := unmarshalJSON(row.Infra, &s.Infra); err != nil {
		return nil, NewStoreError("rowToSnapshot", "health_snapshot", row.ID, "failed to parse infra health", ErrInvalidData)
	}
	if s.CapturedAt, err = parseTime(row.CapturedAt); err != nil {
		return nil, NewStoreError("rowToSnapshot", "health_snapshot", row.ID, "invalid captured_at", ErrInvalidData)
	}
	return s, nil
}

// =============================================================================
// Domain Event Log
// =============================================================================

type eventRow struct {
	Seq         int64   `db:"seq"`
	Type        string  `db:"type"`
	AggregateID string  `db:"aggregate_id"`
	Attributes  *string `db:"attributes"`
	OccurredAt  string  `db:"occurred_at"`
}

func appendEvents(ctx context.Context, exec executor, events []domain.Event) error {
	query := `INSERT INTO domain_events (type, aggregate_id, attributes, occurred_at) VALUES (?, ?, ?, ?)`
	for _, e := range events {
		attrs, err := marshalJSON(e.Attributes)
		if err != nil {
			return NewStoreError("AppendEvents", "event", e.AggregateID, "failed to serialize attributes", ErrInvalidData)
		}
		if _, err := exec.ExecContext(ctx, query, string(e.Type), e.AggregateID, attrs, formatTime(e.OccurredAt)); err != nil {
			return NewStoreError("AppendEvents", "event", e.AggregateID, err.Error(), err)
		}
	}
	return nil
}

func listEvents(ctx context.Context, exec executor, aggregateID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT * FROM domain_events WHERE aggregate_id = ? ORDER BY seq ASC LIMIT ?`

	var rows []eventRow
	if err := exec.SelectContext(ctx, &rows, query, aggregateID, limit); err != nil {
		return nil, NewStoreError("ListEvents", "event", aggregateID, err.Error(), err)
	}

	events := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		e := domain.Event{
			Type:        domain.EventType(row.Type),
			AggregateID: row.AggregateID,
		}
		if err := unmarshalJSON(row.Attributes, &e.Attributes); err != nil {
			return nil, NewStoreError("ListEvents", "event", aggregateID, "failed to parse attributes", ErrInvalidData)
		}
		t, err := parseTime(row.OccurredAt)
		if err != nil {
			return nil, NewStoreError("ListEvents", "event", aggregateID, "invalid occurred_at", ErrInvalidData)
		}
		e.OccurredAt = t
		events = append(events, e)
	}
	return events, nil
}

// =============================================================================
// Helpers
// =============================================================================

// checkVersionedUpdate distinguishes a missing row from a stale version when
// a versioned UPDATE touched nothing.
func checkVersionedUpdate(ctx context.Context, exec executor, result sql.Result, op, entity, table, id string) error {
	affected, _ := result.RowsAffected()
	if affected > 0 {
		return nil
	}
	var count int
	if err := exec.GetContext(ctx, &count, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id); err != nil {
		return NewStoreError(op, entity, id, err.Error(), err)
	}
	if count == 0 {
		return NewStoreError(op, entity, id, entity+" not found", ErrNotFound)
	}
	return NewStoreError(op, entity, id, "stale version", ErrVersionConflict)
}

// marshalJSON encodes v, returning nil for nil values so the column stays NULL.
func marshalJSON(v any) (*string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	s := string(data)
	return &s, nil
}

func unmarshalJSON(data *string, dest any) error {
	if data == nil || *data == "" {
		return nil
	}
	return json.Unmarshal([]byte(*data), dest)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

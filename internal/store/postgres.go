package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/GiorgiUbiria/payments/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
	// LockTimeout bounds every row-lock wait inside a unit of work.
	// Zero leaves the server default in place.
	LockTimeout time.Duration
}

var _ Store = (*Postgres)(nil)

// Postgres is the gorm backed ledger.
type Postgres struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

func OpenPostgres(cfg PostgresConfig, log *zap.Logger) (*Postgres, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  cfg.DSN,
		PreferSimpleProtocol: false,
	}), &gorm.Config{
		Logger: gormlogger.New(zap.NewStdLog(log), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewPostgres(db, cfg.LockTimeout), nil
}

func NewPostgres(db *gorm.DB, lockTimeout time.Duration) *Postgres {
	return &Postgres{db: db, lockTimeout: lockTimeout}
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var paymentForeignKeys = []struct {
	name   string
	column string
}{
	{"fk_payment_account", "account_id"},
	{"fk_payment_to_account", "to_account_id"},
}

// Migrate creates the account and payment tables with their check and
// foreign key constraints.
func (p *Postgres) Migrate(ctx context.Context) error {
	db := p.db.WithContext(ctx)
	if err := db.AutoMigrate(&models.Account{}, &models.Payment{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	for _, fk := range paymentForeignKeys {
		if db.Migrator().HasConstraint(&models.Payment{}, fk.name) {
			continue
		}
		stmt := fmt.Sprintf(
			"ALTER TABLE payment ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES account (id)",
			fk.name, fk.column,
		)
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create constraint %s: %w", fk.name, err)
		}
	}
	return nil
}

func (p *Postgres) RunAtomic(ctx context.Context, fn func(tx Tx) error) error {
	err := p.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if p.lockTimeout > 0 {
			// SET does not accept bind parameters; the value is an integer.
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", p.lockTimeout.Milliseconds())
			if err := db.Exec(stmt).Error; err != nil {
				return translate(err)
			}
		}

		t := &pgTx{db: db}
		defer t.done.Store(true)

		return fn(t)
	})
	return translate(err)
}

type pgTx struct {
	db   *gorm.DB
	done atomic.Bool
}

func (t *pgTx) conn(ctx context.Context) (*gorm.DB, error) {
	if t.done.Load() {
		return nil, fmt.Errorf("%w: unit of work already ended", ErrConflict)
	}
	return t.db.WithContext(ctx), nil
}

func (t *pgTx) LockAccountForUpdate(ctx context.Context, id int64) (models.Account, error) {
	db, err := t.conn(ctx)
	if err != nil {
		return models.Account{}, err
	}

	var a models.Account
	err = db.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&a, id).Error
	if err != nil {
		return models.Account{}, translate(err)
	}
	return a, nil
}

func (t *pgTx) ApplyBalanceDelta(ctx context.Context, id int64, delta decimal.Decimal) error {
	db, err := t.conn(ctx)
	if err != nil {
		return err
	}

	res := db.Model(&models.Account{}).
		Where("id = ?", id).
		Update("balance", gorm.Expr("balance + ?", delta))
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *models.Payment) error {
	db, err := t.conn(ctx)
	if err != nil {
		return err
	}
	return translate(db.Create(p).Error)
}

func (p *Postgres) CreateAccount(ctx context.Context, a *models.Account) error {
	return translate(p.db.WithContext(ctx).Create(a).Error)
}

func (p *Postgres) GetAccount(ctx context.Context, id int64) (models.Account, error) {
	var a models.Account
	if err := p.db.WithContext(ctx).Take(&a, id).Error; err != nil {
		return models.Account{}, translate(err)
	}
	return a, nil
}

func (p *Postgres) GetAccountByName(ctx context.Context, name string) (models.Account, error) {
	var a models.Account
	if err := p.db.WithContext(ctx).Where("name = ?", name).Take(&a).Error; err != nil {
		return models.Account{}, translate(err)
	}
	return a, nil
}

func (p *Postgres) ListAccounts(ctx context.Context, page Page) ([]models.Account, int64, error) {
	page = page.normalize()
	db := p.db.WithContext(ctx)

	var count int64
	if err := db.Model(&models.Account{}).Count(&count).Error; err != nil {
		return nil, 0, translate(err)
	}

	var accounts []models.Account
	err := db.Order("created_at DESC, id DESC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&accounts).Error
	if err != nil {
		return nil, 0, translate(err)
	}
	return accounts, count, nil
}

func (p *Postgres) GetPayment(ctx context.Context, id int64) (models.Payment, error) {
	var pm models.Payment
	if err := p.db.WithContext(ctx).Take(&pm, id).Error; err != nil {
		return models.Payment{}, translate(err)
	}
	return pm, nil
}

func (p *Postgres) ListPayments(ctx context.Context, page Page) ([]models.Payment, int64, error) {
	page = page.normalize()
	db := p.db.WithContext(ctx)

	var count int64
	if err := db.Model(&models.Payment{}).Count(&count).Error; err != nil {
		return nil, 0, translate(err)
	}

	var payments []models.Payment
	err := db.Order("created_at DESC, id DESC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&payments).Error
	if err != nil {
		return nil, 0, translate(err)
	}
	return payments, count, nil
}

// translate maps driver errors onto the store taxonomy. Errors it does not
// recognise, including domain errors returned from RunAtomic callbacks, are
// returned unchanged.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicate):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, gorm.ErrInvalidTransaction), errors.Is(err, sql.ErrTxDone):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch {
	case pgErr.Code == "23505":
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.Message)
	case strings.HasPrefix(pgErr.Code, "23"), // integrity constraint violation
		strings.HasPrefix(pgErr.Code, "40"), // serialization failure, deadlock
		strings.HasPrefix(pgErr.Code, "25"), // invalid transaction state
		pgErr.Code == "55P03",               // lock_not_available
		pgErr.Code == "22003":               // numeric_value_out_of_range
		return fmt.Errorf("%w: %s (SQLSTATE %s)", ErrConflict, pgErr.Message, pgErr.Code)
	}
	return err
}

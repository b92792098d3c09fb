package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"swing-trader/internal/config"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// SQL 为基于 sqlx 的关系型仓储，支持 SQLite 与 Postgres。
type SQL struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
}

// OpenSQL 根据配置打开数据库并初始化表结构。
func OpenSQL(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*SQL, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite, "":
		db, err = openSQLite(cfg)
	case DriverPostgres:
		db, err = sqlx.Open(DriverPostgres, cfg.DSN)
		if err == nil {
			applyPool(db, cfg)
		}
	default:
		return nil, fmt.Errorf("store: 不支持的数据库驱动 %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: 连接数据库失败: %w", err)
	}

	s := &SQL{db: db, driver: db.DriverName(), logger: logger}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("数据库已就绪", zap.String("driver", s.driver))
	return s, nil
}

func openSQLite(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := cfg.Path
	if cfg.InMemory {
		dsn = ":memory:"
	} else if err := ensureDir(filepath.Dir(cfg.Path)); err != nil {
		return nil, err
	}

	db, err := sqlx.Open(DriverSQLite, fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", dsn))
	if err != nil {
		return nil, fmt.Errorf("store: 打开 SQLite 数据库失败: %w", err)
	}

	// 内存库每个连接都是独立的数据库。
	if cfg.InMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		return db, nil
	}

	applyPool(db, cfg)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: 设置 SQLite WAL 模式失败: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: 设置 SQLite 同步级别失败: %w", err)
	}
	return db, nil
}

func applyPool(db *sqlx.DB, cfg config.DatabaseConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
}

// DB 返回底层连接。
func (s *SQL) DB() *sqlx.DB {
	return s.db
}

// Close 关闭数据库连接。
func (s *SQL) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQL) initSchema(ctx context.Context) error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL UNIQUE,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			qty BIGINT NOT NULL,
			order_type TEXT NOT NULL,
			tif TEXT NOT NULL,
			price DOUBLE PRECISION,
			reason TEXT NOT NULL,
			intent_created_at TEXT NOT NULL,
			state TEXT NOT NULL,
			filled_qty BIGINT NOT NULL DEFAULT 0,
			avg_fill_price DOUBLE PRECISION,
			broker_order_id TEXT NOT NULL DEFAULT '',
			variety TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS fills (
			id ` + pk + `,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			qty BIGINT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			filled_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_symbol ON fills(symbol);`,
		`CREATE TABLE IF NOT EXISTS positions (
			symbol TEXT PRIMARY KEY,
			qty BIGINT NOT NULL,
			avg_price DOUBLE PRECISION NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS managed_positions (
			symbol TEXT PRIMARY KEY,
			qty BIGINT NOT NULL,
			atr14 DOUBLE PRECISION NOT NULL,
			stop_price DOUBLE PRECISION NOT NULL,
			highest_price DOUBLE PRECISION NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS trade_lots (
			id ` + pk + `,
			symbol TEXT NOT NULL,
			qty_total BIGINT NOT NULL,
			qty_open BIGINT NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			stop_price DOUBLE PRECISION NOT NULL,
			exit_price DOUBLE PRECISION,
			opened_at TEXT NOT NULL,
			closed_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_lots_open ON trade_lots(symbol, qty_open);`,
		`CREATE TABLE IF NOT EXISTS daily_snapshots (
			id ` + pk + `,
			trading_date TEXT NOT NULL,
			equity DOUBLE PRECISION NOT NULL,
			realized_pnl DOUBLE PRECISION NOT NULL,
			open_positions BIGINT NOT NULL,
			orders_today BIGINT NOT NULL,
			note TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS system_state (
			state_key TEXT PRIMARY KEY,
			state_value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS alert_events (
			id ` + pk + `,
			severity TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			message TEXT NOT NULL,
			context TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS reconcile_audits (
			id TEXT PRIMARY KEY,
			removed TEXT NOT NULL,
			upserted TEXT NOT NULL,
			drifts TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id ` + pk + `,
			label TEXT NOT NULL,
			range_from TEXT NOT NULL,
			range_to TEXT NOT NULL,
			config TEXT NOT NULL,
			summary TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS strategy_lab_runs (
			id ` + pk + `,
			range_from TEXT NOT NULL,
			range_to TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS strategy_lab_candidates (
			id ` + pk + `,
			run_id BIGINT NOT NULL REFERENCES strategy_lab_runs(id),
			cand_rank BIGINT NOT NULL,
			params TEXT NOT NULL,
			metrics TEXT NOT NULL,
			robustness DOUBLE PRECISION NOT NULL,
			stability DOUBLE PRECISION NOT NULL,
			passed BOOLEAN NOT NULL,
			reasons TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS strategy_lab_recommendations (
			run_id BIGINT PRIMARY KEY REFERENCES strategy_lab_runs(id),
			cand_rank BIGINT NOT NULL,
			approved BOOLEAN NOT NULL,
			reasons TEXT NOT NULL
		);`,
	}

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// q 把 ? 占位符转换为当前驱动的格式。
func (s *SQL) q(query string) string {
	return s.db.Rebind(strings.TrimSpace(query))
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("store: 创建目录 %q 失败: %w", path, err)
	}
	return nil
}

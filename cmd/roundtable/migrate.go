package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/roundtable/agent/persistence"
	"github.com/BaSui01/roundtable/config"
	"github.com/BaSui01/roundtable/internal/database"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) error {
	if len(args) < 1 {
		printMigrateUsage()
		return errors.New("missing migrate subcommand")
	}

	switch args[0] {
	case "up":
		return withPool(args[1:], func(ctx context.Context, pool *database.PoolManager) error {
			if err := persistence.Migrate(ctx, pool); err != nil {
				return err
			}
			fmt.Println("Schema is up to date")
			return nil
		})
	case "status":
		return withPool(args[1:], func(_ context.Context, pool *database.PoolManager) error {
			return printMigrateStatus(os.Stdout, pool)
		})
	case "help", "-h", "--help":
		printMigrateUsage()
		return nil
	default:
		printMigrateUsage()
		return fmt.Errorf("unknown migrate subcommand: %s", args[0])
	}
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  roundtable migrate <subcommand> [options]

Subcommands:
  up        Create or update all tables
  status    Show which tables exist
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --driver <name>     postgres | mysql | sqlite (default: from config)
  --dsn <dsn>         Connection string (default: built from config)`)
}

// withPool 解析迁移参数并打开数据库连接池
func withPool(args []string, fn func(ctx context.Context, pool *database.PoolManager) error) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	driver := fs.String("driver", "", "Database driver")
	dsn := fs.String("dsn", "", "Database DSN")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	d, source := migrateTarget(cfg.Database, *driver, *dsn)
	pool, err := database.Open(d, source, poolConfig(cfg.Database), logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	logger.Info("running migration", zap.String("driver", d))
	return fn(ctx, pool)
}

// migrateTarget 命令行参数优先于配置
func migrateTarget(cfg config.DatabaseConfig, driver, dsn string) (string, string) {
	if driver == "" {
		driver = cfg.Driver
	} else {
		cfg.Driver = driver
	}
	if dsn == "" {
		dsn = cfg.DSN()
	}
	return driver, dsn
}

func printMigrateStatus(w io.Writer, pool *database.PoolManager) error {
	db := pool.DB()
	for _, model := range persistence.Models() {
		stmt := &gorm.Statement{DB: db}
		if err := stmt.Parse(model); err != nil {
			return fmt.Errorf("parse model %T: %w", model, err)
		}
		state := "missing"
		if db.Migrator().HasTable(stmt.Schema.Table) {
			state = "present"
		}
		fmt.Fprintf(w, "%-24s %s\n", stmt.Schema.Table, state)
	}
	return nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	timeout := fs.Duration("timeout", 5*time.Second, "Ping timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	pool, store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
		if pool != nil {
			_ = pool.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("store %s unhealthy: %w", cfg.Store.Type, err)
	}

	fmt.Println("OK")
	return nil
}

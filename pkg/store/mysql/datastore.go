package mysql

import (
	"context"
	"fmt"
	"time"

	applog "robofleet/pkg/logger"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// gormWriter forwards gorm's slow query and error lines to the service logger
type gormWriter struct{}

func (gormWriter) Printf(format string, args ...interface{}) {
	applog.Warnf("gorm: "+format, args...)
}

// Datastore GORM handle of the deployment archive database
type Datastore struct {
	db *gorm.DB
}

// NewDatastore opens the archive database. The archive is written once per
// terminal deployment, so the pool stays small.
func NewDatastore(dsn string) (*Datastore, error) {
	gormLogger := logger.New(gormWriter{}, logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get generic database object: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	return &Datastore{db: db}, nil
}

// NewDatastoreFromDB wraps an already opened gorm DB
func NewDatastoreFromDB(db *gorm.DB) *Datastore {
	return &Datastore{db: db}
}

// AutoMigrate creates or updates the archive tables
func (ds *Datastore) AutoMigrate() error {
	if err := ds.db.AutoMigrate(&DeploymentRecord{}); err != nil {
		return fmt.Errorf("failed to migrate archive tables: %w", err)
	}
	return nil
}

// Close closes the database connection
func (ds *Datastore) Close() error {
	sqlDB, err := ds.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB returns the GORM DB bound to ctx
func (ds *Datastore) DB(ctx context.Context) *gorm.DB {
	return ds.db.WithContext(ctx)
}

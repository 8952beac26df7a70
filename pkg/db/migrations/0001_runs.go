package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upRuns, downRuns)
}

type ProtectRun struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	App         string            `gorm:"type:text"`
	TargetType  string            `gorm:"type:text;not null;default:'browser'"`
	ToolVersion string            `gorm:"type:text"`
	Host        string            `gorm:"type:text"`
	Status      string            `gorm:"type:text;not null;index"`
	Error       string            `gorm:"type:text"`
	Assets      int               `gorm:"type:integer;not null;default:0"`
	Meta        datatypes.JSONMap `gorm:"type:jsonb"`
	StartedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();index"`
	FinishedAt  *time.Time        `gorm:"type:timestamptz"`
}

func (ProtectRun) TableName() string { return "protect_runs" }

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upRuns(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&ProtectRun{})
}

func downRuns(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&ProtectRun{})
}

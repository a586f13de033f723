package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"sms-dispatch-engine/internal/config"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Migration models mirror the SQL the adapters run. They exist only to
// drive AutoMigrate; runtime code goes through database/sql.

type campaign struct {
	ID                   uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Name                 string         `gorm:"not null"`
	Status               string         `gorm:"not null;index"`
	UseCase              string         `gorm:"not null"`
	RatePerSecond        float64        `gorm:"not null"`
	Burst                int            `gorm:"not null"`
	DailyCap             int            `gorm:"not null;default:0"`
	MonthlyCap           int            `gorm:"not null;default:0"`
	QuietExempt          bool           `gorm:"not null;default:false"`
	GlobalOptOut         bool           `gorm:"not null;default:false"`
	AuthorizedCategories pq.StringArray `gorm:"type:text[]"`
	Timezone             string         `gorm:"not null;default:UTC"`
	PerSegmentRate       float64        `gorm:"not null"`
	SenderNumber         string         `gorm:"not null;uniqueIndex"`
	CreatedAt            time.Time      `gorm:"not null"`
}

type message struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	CampaignID     uuid.UUID  `gorm:"type:uuid;not null;index"`
	Direction      string     `gorm:"not null"`
	FromNumber     string     `gorm:"not null"`
	ToNumber       string     `gorm:"not null;index"`
	Body           string     `gorm:"not null"`
	Encoding       string     `gorm:"not null"`
	Segments       int        `gorm:"not null"`
	Cost           float64    `gorm:"not null"`
	ProviderRef    *string    `gorm:"uniqueIndex"`
	Status         string     `gorm:"not null;index"`
	FailureCode    *string    ``
	RetryCount     int        `gorm:"not null;default:0"`
	BilledSegments *int       ``
	BilledCost     *float64   ``
	CreatedAt      time.Time  `gorm:"not null;index"`
	SentAt         *time.Time ``
	DeliveredAt    *time.Time ``
	UpdatedAt      time.Time  `gorm:"not null"`
}

type optOut struct {
	Phone      string     `gorm:"primaryKey"`
	Scope      string     `gorm:"primaryKey"`
	CampaignID uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Method     string     `gorm:"not null"`
	CreatedAt  time.Time  `gorm:"not null"`
	ExpiresAt  *time.Time ``
}

type webhookEvent struct {
	EventID     string     `gorm:"primaryKey"`
	Payload     []byte     `gorm:"not null"`
	Signature   string     `gorm:"not null"`
	Processed   bool       `gorm:"not null;default:false"`
	Dead        bool       `gorm:"not null;default:false;index"`
	RetryCount  int        `gorm:"not null;default:0"`
	LastError   *string    ``
	ReceivedAt  time.Time  `gorm:"not null"`
	ProcessedAt *time.Time ``
}

type rateLimiterState struct {
	CampaignID uuid.UUID `gorm:"type:uuid;primaryKey"`
	Tokens     float64   `gorm:"not null"`
	LastRefill time.Time `gorm:"not null"`
	DayKey     string    `gorm:"not null"`
	DayCount   int       `gorm:"not null"`
	MonthKey   string    `gorm:"not null"`
	MonthCount int       `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

type admissionAudit struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	MessageID  uuid.UUID `gorm:"type:uuid;not null;index"`
	CampaignID uuid.UUID `gorm:"type:uuid;not null;index"`
	ToNumber   string    `gorm:"not null"`
	Allowed    bool      `gorm:"not null"`
	Reason     *string   ``
	DecidedAt  time.Time `gorm:"not null"`
}

type dispatchAttempt struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	MessageID   uuid.UUID `gorm:"type:uuid;not null;index"`
	Attempt     int       `gorm:"not null"`
	ProviderRef *string   ``
	Error       *string   ``
	Transient   bool      `gorm:"not null;default:false"`
	StartedAt   time.Time `gorm:"not null"`
	DurationMs  int64     `gorm:"not null"`
}

func main() {
	conf := config.FromEnv()

	fmt.Println("🔗 Connecting to database...")

	db, err := gorm.Open(postgres.Open(conf.DatabaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("❌ Failed to connect: %v", err)
	}

	sqlDB, _ := db.DB()
	if err := sqlDB.Ping(); err != nil {
		log.Fatalf("❌ Failed to ping database: %v", err)
	}

	fmt.Println("✅ Connected to database")
	fmt.Println("🔄 Running migrations...")

	err = db.AutoMigrate(
		&campaign{}, &message{}, &optOut{},
		&webhookEvent{}, &rateLimiterState{},
		&admissionAudit{}, &dispatchAttempt{},
	)
	if err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	// Partial index driving the outbox poll (FOR UPDATE SKIP LOCKED).
	const outboxIdx = `
		CREATE INDEX IF NOT EXISTS idx_messages_admittable
		ON messages (created_at)
		WHERE status = 'created' AND direction = 'outbound'
	`
	if err := db.Exec(outboxIdx).Error; err != nil {
		log.Fatalf("❌ Outbox index failed: %v", err)
	}

	fmt.Println("✅ Migration complete!")
	fmt.Println("")
	fmt.Println("📊 Checking tables...")

	var tables []string
	db.Raw("SELECT tablename FROM pg_tables WHERE schemaname = 'public'").Scan(&tables)

	if len(tables) == 0 {
		fmt.Println("⚠️  No tables found")
		os.Exit(1)
	}

	fmt.Println("✅ Tables created:")
	for _, table := range tables {
		fmt.Printf("  - %s\n", table)
	}

	fmt.Println("")
	fmt.Println("🎉 Database ready!")
}

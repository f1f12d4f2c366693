package database

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func InitDB(logger *zap.Logger) (*sql.DB, error) {
	host := getEnv("DB_HOST", "localhost")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "postgres")
	password := getEnv("DB_PASSWORD", "postgres")
	dbname := getEnv("DB_NAME", "checkoutdb")

	psqlInfo := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// The UNIQUE constraints on payments.order_id and commissions.order_id
	// back the idempotency guarantees; do not relax them.
	createTableQuery := `
	CREATE TABLE IF NOT EXISTS orders (
		id UUID PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'CREATED',
		total DECIMAL(12, 2) NOT NULL CHECK (total >= 0),
		currency VARCHAR(3) NOT NULL DEFAULT 'USD',
		payment_id VARCHAR(255),
		receipt_url TEXT,
		referral_code VARCHAR(64),
		referrer_id VARCHAR(64),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS order_items (
		id SERIAL PRIMARY KEY,
		order_id UUID NOT NULL REFERENCES orders(id),
		product_id VARCHAR(64) NOT NULL,
		name VARCHAR(255) NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 1),
		unit_price DECIMAL(12, 2) NOT NULL CHECK (unit_price >= 0)
	);

	CREATE TABLE IF NOT EXISTS payments (
		id UUID PRIMARY KEY,
		order_id UUID NOT NULL UNIQUE,
		user_id VARCHAR(64) NOT NULL,
		amount DECIMAL(12, 2) NOT NULL,
		currency VARCHAR(3) NOT NULL DEFAULT 'USD',
		status VARCHAR(20) NOT NULL DEFAULT 'CREATED',
		remote_payment_id VARCHAR(255) NOT NULL DEFAULT '',
		transaction_ref VARCHAR(255),
		client_secret VARCHAR(255) NOT NULL DEFAULT '',
		checkout_url TEXT NOT NULL DEFAULT '',
		referrer_id VARCHAR(64),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS commissions (
		id UUID PRIMARY KEY,
		referrer_id VARCHAR(64) NOT NULL,
		order_id UUID NOT NULL UNIQUE,
		amount DECIMAL(12, 2) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		audit_log JSONB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS referrals (
		id UUID PRIMARY KEY,
		code VARCHAR(64) NOT NULL UNIQUE,
		referrer_id VARCHAR(64) NOT NULL,
		referred_user_id VARCHAR(64) NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`

	if _, err := db.Exec(createTableQuery); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info("Database connection established")
	return db, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

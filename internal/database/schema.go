package database

func migrations(d Dialect) []string {
	if d == DialectSQLite {
		return sqliteSchema
	}
	return mysqlSchema
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
    telegram_id BIGINT NOT NULL PRIMARY KEY,
    username VARCHAR(255),
    balance INT NOT NULL DEFAULT 0,
    trial_granted TINYINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    CONSTRAINT chk_users_balance CHECK (balance >= 0)
)`,
	`CREATE TABLE IF NOT EXISTS payments (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    provider VARCHAR(64) NOT NULL,
    provider_payment_charge_id VARCHAR(255) NOT NULL,
    currency VARCHAR(8) NOT NULL,
    amount INT NOT NULL,
    credits INT NOT NULL DEFAULT 0,
    status VARCHAR(16) NOT NULL,
    raw_payload TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_provider_charge (provider, provider_payment_charge_id),
    KEY idx_payments_status (status)
)`,
	`CREATE TABLE IF NOT EXISTS generation_logs (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    kind VARCHAR(32) NOT NULL,
    fingerprint CHAR(64) NOT NULL DEFAULT '',
    outcome VARCHAR(16) NOT NULL,
    reason VARCHAR(32) NOT NULL DEFAULT '',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    KEY idx_generation_logs_user (user_id)
)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
    telegram_id INTEGER NOT NULL PRIMARY KEY,
    username TEXT,
    balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    trial_granted INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE TABLE IF NOT EXISTS payments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    provider TEXT NOT NULL,
    provider_payment_charge_id TEXT NOT NULL,
    currency TEXT NOT NULL,
    amount INTEGER NOT NULL,
    credits INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    raw_payload TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (provider, provider_payment_charge_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status)`,
	`CREATE TABLE IF NOT EXISTS generation_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    kind TEXT NOT NULL,
    fingerprint TEXT NOT NULL DEFAULT '',
    outcome TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE INDEX IF NOT EXISTS idx_generation_logs_user ON generation_logs(user_id)`,
}

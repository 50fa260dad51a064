package sqlstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS snapshots (
		aggregate_id   TEXT    PRIMARY KEY,
		aggregate_type TEXT    NOT NULL,
		correlation_id TEXT    NOT NULL,
		version        INTEGER NOT NULL,
		payload        BLOB    NOT NULL,
		updated_at     INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		aggregate_id   TEXT    NOT NULL,
		version        INTEGER NOT NULL,
		aggregate_type TEXT    NOT NULL,
		event_type     TEXT    NOT NULL,
		correlation_id TEXT    NOT NULL,
		user_id        TEXT    NOT NULL DEFAULT '',
		occurred_at    INTEGER NOT NULL,
		payload        TEXT    NOT NULL,
		PRIMARY KEY (aggregate_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		delivery_id     TEXT    NOT NULL UNIQUE,
		aggregate_type  TEXT    NOT NULL,
		aggregate_id    TEXT    NOT NULL,
		event_type      TEXT    NOT NULL,
		topic           TEXT    NOT NULL DEFAULT '',
		payload         BLOB    NOT NULL,
		headers         BLOB    NULL,
		attempt_count   INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NULL,
		last_error      TEXT    NULL,
		created_at      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_next_attempt ON outbox (next_attempt_at)`,
	`CREATE TABLE IF NOT EXISTS outbox_deadletters (
		seq            INTEGER PRIMARY KEY,
		delivery_id    TEXT    NOT NULL UNIQUE,
		aggregate_type TEXT    NOT NULL,
		aggregate_id   TEXT    NOT NULL,
		event_type     TEXT    NOT NULL,
		topic          TEXT    NOT NULL DEFAULT '',
		payload        BLOB    NOT NULL,
		headers        BLOB    NULL,
		attempt_count  INTEGER NOT NULL,
		last_error     TEXT    NULL,
		created_at     INTEGER NOT NULL,
		failed_at      INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS schedules_view (
		aggregate_id          TEXT    PRIMARY KEY,
		correlation_id        TEXT    NOT NULL,
		target_aggregate_id   TEXT    NOT NULL,
		target_aggregate_type TEXT    NOT NULL,
		command_type          TEXT    NOT NULL,
		command_data          TEXT    NULL,
		scheduled_for         INTEGER NOT NULL,
		status                TEXT    NOT NULL,
		retry_count           INTEGER NOT NULL DEFAULT 0,
		next_retry_at         INTEGER NULL,
		error_message         TEXT    NULL,
		version               INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules_view (status, scheduled_for)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS snapshots (
		aggregate_id   VARCHAR(255) PRIMARY KEY,
		aggregate_type VARCHAR(255) NOT NULL,
		correlation_id VARCHAR(255) NOT NULL,
		version        BIGINT       NOT NULL,
		payload        LONGBLOB     NOT NULL,
		updated_at     BIGINT       NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS events (
		aggregate_id   VARCHAR(255) NOT NULL,
		version        BIGINT       NOT NULL,
		aggregate_type VARCHAR(255) NOT NULL,
		event_type     VARCHAR(255) NOT NULL,
		correlation_id VARCHAR(255) NOT NULL,
		user_id        VARCHAR(255) NOT NULL DEFAULT '',
		occurred_at    BIGINT       NOT NULL,
		payload        JSON         NOT NULL,
		PRIMARY KEY (aggregate_id, version)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS outbox (
		seq             BIGINT AUTO_INCREMENT PRIMARY KEY,
		delivery_id     CHAR(36)     NOT NULL UNIQUE,
		aggregate_type  VARCHAR(255) NOT NULL,
		aggregate_id    VARCHAR(255) NOT NULL,
		event_type      VARCHAR(255) NOT NULL,
		topic           VARCHAR(255) NOT NULL DEFAULT '',
		payload         LONGBLOB     NOT NULL,
		headers         JSON         NULL,
		attempt_count   INT          NOT NULL DEFAULT 0,
		next_attempt_at BIGINT       NULL,
		last_error      TEXT         NULL,
		created_at      BIGINT       NOT NULL,
		INDEX idx_outbox_next_attempt (next_attempt_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS outbox_deadletters (
		seq            BIGINT PRIMARY KEY,
		delivery_id    CHAR(36)      NOT NULL UNIQUE,
		aggregate_type VARCHAR(255)  NOT NULL,
		aggregate_id   VARCHAR(255)  NOT NULL,
		event_type     VARCHAR(255)  NOT NULL,
		topic          VARCHAR(255)  NOT NULL DEFAULT '',
		payload        LONGBLOB      NOT NULL,
		headers        JSON          NULL,
		attempt_count  INT           NOT NULL,
		last_error     VARCHAR(2000) NULL,
		created_at     BIGINT        NOT NULL,
		failed_at      BIGINT        NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS schedules_view (
		aggregate_id          VARCHAR(255) PRIMARY KEY,
		correlation_id        VARCHAR(255) NOT NULL,
		target_aggregate_id   VARCHAR(255) NOT NULL,
		target_aggregate_type VARCHAR(255) NOT NULL,
		command_type          VARCHAR(255) NOT NULL,
		command_data          JSON         NULL,
		scheduled_for         BIGINT       NOT NULL,
		status                VARCHAR(32)  NOT NULL,
		retry_count           INT          NOT NULL DEFAULT 0,
		next_retry_at         BIGINT       NULL,
		error_message         TEXT         NULL,
		version               BIGINT       NOT NULL,
		INDEX idx_schedules_due (status, scheduled_for)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
}

// EnsureTables создает таблицы, если они не существуют
func (s *SQLStore) EnsureTables(ctx context.Context) error {
	statements := sqliteSchema
	if s.dialect == DialectMySQL {
		statements = mysqlSchema
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	s.logger.Debug("Schema ensured", zap.String("dialect", s.dialect.String()))
	return nil
}

package audit

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate 套用內嵌的資料表遷移
func Migrate(databaseURL string, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Warn("close migrator", "source_error", srcErr, "db_error", dbErr)
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("audit schema up to date")
			return nil
		}
		return fmt.Errorf("run migrations: %w", err)
	}
	version, _, _ := m.Version()
	logger.Info("audit schema migrated", "version", version)
	return nil
}

// PostgresExporter 將稽核紀錄寫入 audit_entries
//
// payload 以原始文字保存、時間以奈秒整數保存，讀回後可以重新計算雜湊。
type PostgresExporter struct {
	pool *pgxpool.Pool
}

// NewPostgresExporter 使用既有連線池；資料表由 Migrate 建立
func NewPostgresExporter(pool *pgxpool.Pool) *PostgresExporter {
	return &PostgresExporter{pool: pool}
}

// Name 實作 Exporter
func (p *PostgresExporter) Name() string { return "postgres" }

// Export 寫入一筆；重送同一序號不會覆蓋
func (p *PostgresExporter) Export(ctx context.Context, roomID string, e Entry) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO audit_entries (room_id, sequence, type, payload, timestamp_ns, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (room_id, sequence) DO NOTHING`,
		roomID, int64(e.Sequence), e.Type, string(e.Payload), e.Timestamp.UnixNano(), e.PrevHash, e.Hash)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// LoadChain 依序號讀回房間的整條鏈，可交給 VerifyChain 離線驗證
func (p *PostgresExporter) LoadChain(ctx context.Context, roomID string) ([]Entry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT sequence, type, payload, timestamp_ns, prev_hash, hash
		FROM audit_entries
		WHERE room_id = $1
		ORDER BY sequence`, roomID)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			seq     int64
			payload string
			ns      int64
			e       Entry
		)
		if err := rows.Scan(&seq, &e.Type, &payload, &ns, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Sequence = uint64(seq)
		e.Payload = []byte(payload)
		e.Timestamp = time.Unix(0, ns).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

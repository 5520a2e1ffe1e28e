package recordstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/download-engine/internal/domain/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore — хранилище записей в таблице files.
// Каждая мутация — один SQL-оператор в autocommit: запись
// зафиксирована к моменту возврата.
type PostgresStore struct {
	pool   *pgxpool.Pool
	db     DBTX
	logger *slog.Logger
}

// OpenPostgres подключается к PostgreSQL, применяет миграции
// и возвращает хранилище.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	logger = logger.With(slog.String("component", "recordstore"), slog.String("backend", "postgres"))

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула подключений: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка подключения к PostgreSQL: %w", err)
	}

	logger.Info("Подключение к PostgreSQL установлено",
		slog.String("host", poolCfg.ConnConfig.Host),
		slog.Int("port", int(poolCfg.ConnConfig.Port)),
		slog.String("database", poolCfg.ConnConfig.Database),
	)

	if err := Migrate(dsn, logger); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, db: pool, logger: logger}, nil
}

// Migrate применяет SQL-миграции из embedded FS.
// Использует golang-migrate с драйвером pgx5.
func Migrate(dsn string, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ошибка создания источника миграций: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Миграции применены",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// migrateURL переводит DSN в формат golang-migrate (pgx5://...).
func migrateURL(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return "pgx5" + dsn[i:]
	}
	return dsn
}

// Pool возвращает пул подключений (для dephealth).
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

const recordColumns = `file_id, key, status, publish_date, size, remote_url, title,
	author_name, author_user, content_type, description, thumbnail_url, duration,
	upload_date, view_count, local_path, checksum, failure_kind, failure_reason,
	failure_message, created_at, updated_at`

// upsertQuery — merge-upsert одним оператором: NULL-параметр означает
// «не передано» и сохраняет текущее значение столбца.
const upsertQuery = `
	INSERT INTO files (file_id, key, status, publish_date, size, remote_url, title,
		author_name, author_user, content_type, description, thumbnail_url, duration,
		upload_date, view_count, local_path, checksum, failure_kind, failure_reason,
		failure_message, created_at, updated_at)
	VALUES ($1, COALESCE($2::text, ''), COALESCE($3::text, 'Queued'), $4, $5, $6, $7,
		$8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $21)
	ON CONFLICT (file_id) DO UPDATE SET
		key = COALESCE($2::text, files.key),
		status = COALESCE($3::text, files.status),
		publish_date = COALESCE(EXCLUDED.publish_date, files.publish_date),
		size = COALESCE(EXCLUDED.size, files.size),
		remote_url = COALESCE(EXCLUDED.remote_url, files.remote_url),
		title = COALESCE(EXCLUDED.title, files.title),
		author_name = COALESCE(EXCLUDED.author_name, files.author_name),
		author_user = COALESCE(EXCLUDED.author_user, files.author_user),
		content_type = COALESCE(EXCLUDED.content_type, files.content_type),
		description = COALESCE(EXCLUDED.description, files.description),
		thumbnail_url = COALESCE(EXCLUDED.thumbnail_url, files.thumbnail_url),
		duration = COALESCE(EXCLUDED.duration, files.duration),
		upload_date = COALESCE(EXCLUDED.upload_date, files.upload_date),
		view_count = COALESCE(EXCLUDED.view_count, files.view_count),
		local_path = COALESCE(EXCLUDED.local_path, files.local_path),
		checksum = COALESCE(EXCLUDED.checksum, files.checksum),
		failure_kind = CASE WHEN $18::text IS NOT NULL THEN $18::text
			WHEN $22::bool THEN NULL ELSE files.failure_kind END,
		failure_reason = CASE WHEN $18::text IS NOT NULL THEN $19::text
			WHEN $22::bool THEN NULL ELSE files.failure_reason END,
		failure_message = CASE WHEN $18::text IS NOT NULL THEN $20::text
			WHEN $22::bool THEN NULL ELSE files.failure_message END,
		updated_at = EXCLUDED.updated_at
	RETURNING ` + recordColumns

func (s *PostgresStore) Upsert(ctx context.Context, patch *model.FilePatch) (rec *model.FileRecord, err error) {
	defer func(started time.Time) { observe("postgres", "upsert", started, err) }(time.Now())

	if err := validatePatch(patch); err != nil {
		return nil, storageErr("upsert", patchID(patch), err)
	}

	var status *string
	if patch.Status != nil {
		v := string(*patch.Status)
		status = &v
	}
	var fKind, fReason, fMessage *string
	if patch.Failure != nil {
		k, r, m := string(patch.Failure.Kind), string(patch.Failure.Reason), patch.Failure.Message
		fKind, fReason, fMessage = &k, &r, &m
	}
	var publishDate *time.Time
	if patch.PublishDate != nil {
		d := patch.PublishDate.UTC()
		publishDate = &d
	}

	row := s.db.QueryRow(ctx, upsertQuery,
		patch.FileID, patch.Key, status, publishDate, patch.Size, patch.RemoteURL, patch.Title,
		patch.AuthorName, patch.AuthorUser, patch.ContentType, patch.Description, patch.ThumbnailURL,
		patch.Duration, patch.UploadDate, patch.ViewCount, patch.LocalPath, patch.Checksum,
		fKind, fReason, fMessage, time.Now().UTC(), patch.ClearFailure,
	)
	rec, err = scanRecord(row)
	if err != nil {
		return nil, storageErr("upsert", patch.FileID, err)
	}
	return rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, fileID string) (rec *model.FileRecord, err error) {
	defer func(started time.Time) { observe("postgres", "get", started, err) }(time.Now())

	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM files WHERE file_id = $1`, fileID)
	rec, err = scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get", fileID, err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context) (out []*model.FileRecord, err error) {
	defer func(started time.Time) { observe("postgres", "list", started, err) }(time.Now())

	rows, err := s.db.Query(ctx, `SELECT `+recordColumns+` FROM files
		ORDER BY publish_date DESC NULLS LAST, created_at DESC, file_id`)
	if err != nil {
		return nil, storageErr("list", "", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("list", "", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", "", err)
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, fileID string) (err error) {
	defer func(started time.Time) { observe("postgres", "delete", started, err) }(time.Now())

	if _, err := s.db.Exec(ctx, `DELETE FROM files WHERE file_id = $1`, fileID); err != nil {
		return storageErr("delete", fileID, err)
	}
	return nil
}

func (s *PostgresStore) PurgeAll(ctx context.Context) (err error) {
	defer func(started time.Time) { observe("postgres", "purge", started, err) }(time.Now())

	tag, err := s.db.Exec(ctx, `DELETE FROM files`)
	if err != nil {
		return storageErr("purge", "", err)
	}
	s.logger.Info("Все записи удалены", slog.Int64("rows", tag.RowsAffected()))
	return nil
}

// Ping проверяет подключение к PostgreSQL.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// scanRecord читает строку таблицы files в FileRecord.
func scanRecord(row pgx.Row) (*model.FileRecord, error) {
	var (
		rec                                        model.FileRecord
		status                                     string
		remoteURL, title, authorName, authorUser   *string
		contentType, description, thumbnailURL     *string
		uploadDate, localPath, checksum            *string
		failureKind, failureReason, failureMessage *string
	)
	err := row.Scan(
		&rec.FileID, &rec.Key, &status, &rec.PublishDate, &rec.Size, &remoteURL, &title,
		&authorName, &authorUser, &contentType, &description, &thumbnailURL, &rec.Duration,
		&uploadDate, &rec.ViewCount, &localPath, &checksum, &failureKind, &failureReason,
		&failureMessage, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = model.FileStatus(status)
	rec.RemoteURL = deref(remoteURL)
	rec.Title = deref(title)
	rec.AuthorName = deref(authorName)
	rec.AuthorUser = deref(authorUser)
	rec.ContentType = deref(contentType)
	rec.Description = deref(description)
	rec.ThumbnailURL = deref(thumbnailURL)
	rec.UploadDate = deref(uploadDate)
	rec.LocalPath = deref(localPath)
	rec.Checksum = deref(checksum)
	if failureKind != nil {
		rec.Failure = &model.Failure{
			Kind:    model.FailureKind(*failureKind),
			Reason:  model.FailureReason(deref(failureReason)),
			Message: deref(failureMessage),
		}
	}
	if rec.PublishDate != nil {
		d := rec.PublishDate.UTC()
		rec.PublishDate = &d
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

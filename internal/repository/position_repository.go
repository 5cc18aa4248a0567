package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"

	"optiondesk/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ошибки репозитория позиций
var (
	ErrPositionNotFound = errors.New("position not found")
	ErrPositionExists   = errors.New("position already exists")
)

// PositionsSchema DDL таблицы позиций.
// Ноги, расчёты и снимок закрытия хранятся в JSONB целиком.
const PositionsSchema = `
CREATE TABLE IF NOT EXISTS positions (
	id           UUID PRIMARY KEY,
	kind         TEXT NOT NULL,
	legs         JSONB NOT NULL,
	entry_credit DOUBLE PRECISION NOT NULL DEFAULT 0,
	settlements  JSONB NOT NULL DEFAULT '{}'::jsonb,
	close        JSONB,
	favorite     BOOLEAN NOT NULL DEFAULT FALSE,
	note         TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_created_at ON positions (created_at);`

const positionColumns = `id, kind, legs, entry_credit, settlements, close, favorite, note, created_at, updated_at`

// PositionRepository - работа с таблицей positions
type PositionRepository struct {
	db *sql.DB
}

// NewPositionRepository создает новый экземпляр репозитория
func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Migrate создаёт таблицу, если её нет
func (r *PositionRepository) Migrate() error {
	if _, err := r.db.Exec(PositionsSchema); err != nil {
		return fmt.Errorf("migrate positions: %w", err)
	}
	return nil
}

// positionRow JSONB-колонки позиции в сериализованном виде
type positionRow struct {
	legs        []byte
	settlements []byte
	close       []byte
}

func encodePosition(pos *models.Position) (positionRow, error) {
	var row positionRow
	var err error

	if row.legs, err = json.Marshal(pos.Legs); err != nil {
		return row, fmt.Errorf("encode legs: %w", err)
	}
	settlements := pos.Settlements
	if settlements == nil {
		settlements = map[int64]models.Settlement{}
	}
	if row.settlements, err = json.Marshal(settlements); err != nil {
		return row, fmt.Errorf("encode settlements: %w", err)
	}
	if pos.Close != nil {
		if row.close, err = json.Marshal(pos.Close); err != nil {
			return row, fmt.Errorf("encode close: %w", err)
		}
	}
	return row, nil
}

// Create сохраняет новую позицию
func (r *PositionRepository) Create(pos *models.Position) error {
	if err := pos.Validate(); err != nil {
		return err
	}
	row, err := encodePosition(pos)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO positions (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = r.db.Exec(
		query,
		pos.ID,
		string(pos.Kind),
		row.legs,
		pos.EntryCredit,
		row.settlements,
		nullableJSON(row.close),
		pos.Favorite,
		pos.Note,
		pos.CreatedAt,
		pos.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPositionExists
		}
		return err
	}
	return nil
}

// GetByID возвращает позицию по ID
func (r *PositionRepository) GetByID(id string) (*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`

	pos, err := scanPosition(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	return pos, nil
}

// GetAll возвращает все позиции в порядке создания
func (r *PositionRepository) GetAll() ([]*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions ORDER BY created_at ASC, id ASC`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return positions, nil
}

// Update перезаписывает изменяемые поля позиции (ноги, расчёты, закрытие, метки)
func (r *PositionRepository) Update(pos *models.Position) error {
	row, err := encodePosition(pos)
	if err != nil {
		return err
	}
	pos.UpdatedAt = time.Now()

	query := `
		UPDATE positions
		SET legs = $1, entry_credit = $2, settlements = $3, close = $4, favorite = $5, note = $6, updated_at = $7
		WHERE id = $8`

	result, err := r.db.Exec(
		query,
		row.legs,
		pos.EntryCredit,
		row.settlements,
		nullableJSON(row.close),
		pos.Favorite,
		pos.Note,
		pos.UpdatedAt,
		pos.ID,
	)
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// Delete удаляет позицию
func (r *PositionRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// Count количество позиций
func (r *PositionRepository) Count() (int, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM positions`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ============================================================
// Helpers
// ============================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(s rowScanner) (*models.Position, error) {
	var (
		pos         models.Position
		kind        string
		legs        []byte
		settlements []byte
		closeSnap   []byte
	)

	err := s.Scan(
		&pos.ID,
		&kind,
		&legs,
		&pos.EntryCredit,
		&settlements,
		&closeSnap,
		&pos.Favorite,
		&pos.Note,
		&pos.CreatedAt,
		&pos.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	pos.Kind = models.PositionKind(kind)
	if err := json.Unmarshal(legs, &pos.Legs); err != nil {
		return nil, fmt.Errorf("decode legs of %s: %w", pos.ID, err)
	}
	pos.Settlements = make(map[int64]models.Settlement)
	if len(settlements) > 0 {
		if err := json.Unmarshal(settlements, &pos.Settlements); err != nil {
			return nil, fmt.Errorf("decode settlements of %s: %w", pos.ID, err)
		}
	}
	if len(closeSnap) > 0 {
		pos.Close = &models.CloseSnapshot{}
		if err := json.Unmarshal(closeSnap, pos.Close); err != nil {
			return nil, fmt.Errorf("decode close of %s: %w", pos.ID, err)
		}
	}
	return &pos, nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// isUniqueViolation проверяет нарушение UNIQUE constraint (SQLSTATE 23505)
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate key") || strings.Contains(errStr, "23505")
}

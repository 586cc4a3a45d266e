package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/uploadguard/backend/internal/models"
)

// DuckVerdictStore persists verdicts in a DuckDB file.
type DuckVerdictStore struct {
	db     *sql.DB
	dbPath string
	logger *zap.Logger
}

// NewDuckVerdictStore opens (or creates) the verdict database at dbPath.
// An empty path opens an in-memory database.
func NewDuckVerdictStore(dbPath string, logger *zap.Logger) (*DuckVerdictStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating verdict db directory: %w", err)
		}
	}

	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		pragmas := []string{
			"PRAGMA threads=2",
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS verdicts (
			id            VARCHAR PRIMARY KEY,
			operation_id  VARCHAR,
			file_name     VARCHAR NOT NULL,
			file_size     BIGINT NOT NULL,
			risk_score    DOUBLE NOT NULL,
			decision      VARCHAR NOT NULL,
			entropy       DOUBLE NOT NULL,
			reasons       VARCHAR NOT NULL,
			fallback_used BOOLEAN NOT NULL,
			created_at    TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create verdicts table: %w", err)
	}

	logger.Info("verdict store opened", zap.String("path", dbPath))
	return &DuckVerdictStore{db: db, dbPath: dbPath, logger: logger}, nil
}

func (s *DuckVerdictStore) Record(ctx context.Context, v models.Verdict) error {
	reasons, err := json.Marshal(v.Reasons)
	if err != nil {
		return fmt.Errorf("encoding reasons: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO verdicts (id, operation_id, file_name, file_size, risk_score,
			decision, entropy, reasons, fallback_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.OperationID, v.FileName, v.FileSize, v.RiskScore,
		string(v.Decision), v.Entropy, string(reasons), v.FallbackUsed, v.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting verdict %s: %w", v.ID, err)
	}
	return nil
}

func (s *DuckVerdictStore) Recent(ctx context.Context, limit int) ([]models.Verdict, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_id, file_name, file_size, risk_score,
			decision, entropy, reasons, fallback_used, created_at
		FROM verdicts
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying verdicts: %w", err)
	}
	defer rows.Close()

	var out []models.Verdict
	for rows.Next() {
		var (
			v        models.Verdict
			opID     sql.NullString
			decision string
			reasons  string
		)
		if err := rows.Scan(&v.ID, &opID, &v.FileName, &v.FileSize, &v.RiskScore,
			&decision, &v.Entropy, &reasons, &v.FallbackUsed, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning verdict: %w", err)
		}
		v.OperationID = opID.String
		v.Decision = models.Decision(decision)
		if err := json.Unmarshal([]byte(reasons), &v.Reasons); err != nil {
			s.logger.Warn("verdict reasons unreadable", zap.String("id", v.ID), zap.Error(err))
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *DuckVerdictStore) Summary(ctx context.Context) (models.VerdictSummary, error) {
	var sum models.VerdictSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE decision = ?),
			COUNT(*) FILTER (WHERE decision = ?)
		FROM verdicts`,
		string(models.DecisionAllow), string(models.DecisionBlock),
	).Scan(&sum.Total, &sum.Allowed, &sum.Blocked)
	if err != nil {
		return sum, fmt.Errorf("summarizing verdicts: %w", err)
	}
	return sum, nil
}

// Path returns the database file path.
func (s *DuckVerdictStore) Path() string { return s.dbPath }

func (s *DuckVerdictStore) Close() error {
	return s.db.Close()
}

var _ VerdictStore = (*DuckVerdictStore)(nil)

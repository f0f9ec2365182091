package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/sethvargo/go-retry"
)

const schema = `
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_name VARCHAR(50) NOT NULL,
        status VARCHAR(20) NOT NULL,
        triggered_by VARCHAR(20) NOT NULL DEFAULT '',
        fit_id TEXT NOT NULL DEFAULT '',
        accuracy REAL DEFAULT 0,
        roc_auc REAL DEFAULT 0,
        precision REAL DEFAULT 0,
        recall REAL DEFAULT 0,
        f1_score REAL DEFAULT 0,
        data_points INTEGER DEFAULT 0,
        duration_ms INTEGER DEFAULT 0,
        hyperparameters TEXT NOT NULL DEFAULT '{}',
        error TEXT NOT NULL DEFAULT '',
        trained_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_training_log_model ON training_log (model_name, trained_at);
    `

// Training statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type TrainingLog struct {
	ID              int64           `json:"id"`
	ModelName       string          `json:"model_name"`
	Status          string          `json:"status"`
	Trigger         string          `json:"trigger"`
	FitID           string          `json:"fit_id,omitempty"`
	Accuracy        float64         `json:"accuracy"`
	ROCAUC          float64         `json:"roc_auc"`
	Precision       float64         `json:"precision"`
	Recall          float64         `json:"recall"`
	F1              float64         `json:"f1_score"`
	DataPoints      int             `json:"data_points"`
	DurationMS      int64           `json:"duration_ms"`
	Hyperparameters json.RawMessage `json:"hyperparameters,omitempty"`
	Error           string          `json:"error,omitempty"`
	TrainedAt       time.Time       `json:"trained_at"`
}

// Store is the SQLite training log.
type Store struct {
	db      *sql.DB
	retries uint64
	backoff time.Duration
}

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if path == ":memory:" {
		// every connection would get its own empty database otherwise
		database.SetMaxOpenConns(1)
	}
	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: database, retries: 5, backoff: 20 * time.Millisecond}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordTraining appends one attempt. SQLITE_BUSY and SQLITE_LOCKED are retried.
func (s *Store) RecordTraining(ctx context.Context, l TrainingLog) error {
	if l.ModelName == "" {
		return errors.New("model name required")
	}
	if l.Status == "" {
		return errors.New("status required")
	}
	if l.TrainedAt.IsZero() {
		l.TrainedAt = time.Now()
	}
	hp := string(l.Hyperparameters)
	if hp == "" {
		hp = "{}"
	}

	backoff := retry.WithMaxRetries(s.retries, retry.NewFibonacci(s.backoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
        INSERT INTO training_log (
            model_name, status, triggered_by, fit_id, accuracy, roc_auc, precision, recall,
            f1_score, data_points, duration_ms, hyperparameters, error, trained_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ModelName, l.Status, l.Trigger, l.FitID, l.Accuracy, l.ROCAUC, l.Precision, l.Recall,
			l.F1, l.DataPoints, l.DurationMS, hp, l.Error, l.TrainedAt.UTC())
		if isBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

// LoadTrainingLog returns the newest attempts first. limit <= 0 means no limit;
// an empty model returns every model.
func (s *Store) LoadTrainingLog(ctx context.Context, limit int, model string) ([]TrainingLog, error) {
	query := `
        SELECT id, model_name, status, triggered_by, fit_id, accuracy, roc_auc, precision, recall,
               f1_score, data_points, duration_ms, hyperparameters, error, trained_at
        FROM training_log`
	var args []any
	if model != "" {
		query += " WHERE model_name = ?"
		args = append(args, model)
	}
	query += " ORDER BY trained_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var l TrainingLog
		var hp string
		if err := rows.Scan(&l.ID, &l.ModelName, &l.Status, &l.Trigger, &l.FitID, &l.Accuracy, &l.ROCAUC,
			&l.Precision, &l.Recall, &l.F1, &l.DataPoints, &l.DurationMS, &hp, &l.Error, &l.TrainedAt); err != nil {
			return nil, err
		}
		l.Hyperparameters = json.RawMessage(hp)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

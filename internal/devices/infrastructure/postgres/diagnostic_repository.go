package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	devices "cleanroute-cloud/internal/devices/domain"
)

// DiagnosticRepository stores device diagnostic responses.
type DiagnosticRepository struct {
	db *sql.DB
}

// NewDiagnosticRepository constructs a repository.
func NewDiagnosticRepository(db *sql.DB) *DiagnosticRepository {
	return &DiagnosticRepository{db: db}
}

// Save inserts a diagnostic response.
func (r *DiagnosticRepository) Save(ctx context.Context, diag *devices.Diagnostic) error {
	if r == nil || r.db == nil {
		return errors.New("diagnostic repo: nil db")
	}
	if diag == nil || diag.DeviceID == "" {
		return errors.New("diagnostic repo: invalid diagnostic")
	}
	report := diag.Report
	if len(report) == 0 {
		report = []byte("{}")
	}
	if !json.Valid(report) {
		return errors.New("diagnostic repo: invalid report json")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO diagnostics (diagnostic_id, bin_id, report, received_at)
VALUES ($1, $2, $3, $4)`,
		nullString(diag.DiagnosticID), diag.DeviceID, report, diag.ReceivedAt)
	return err
}

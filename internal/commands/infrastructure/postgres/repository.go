package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	commands "cleanroute-cloud/internal/commands/domain"
)

// CommandRepository is a Postgres implementation for tracked commands.
type CommandRepository struct {
	db *sql.DB
}

// NewCommandRepository constructs a repository.
func NewCommandRepository(db *sql.DB) *CommandRepository {
	return &CommandRepository{db: db}
}

const commandColumns = `command_id, bin_id, command_type, payload, qos, status,
	retry_count, max_retries, created_at, sent_at, acked_at, error`

// Create inserts a command record.
func (r *CommandRepository) Create(ctx context.Context, cmd *commands.Command) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	if cmd == nil {
		return errors.New("command repo: nil command")
	}
	if err := cmd.Validate(); err != nil {
		return err
	}
	payload := []byte(cmd.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return errors.New("command repo: invalid payload")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO commands (
	command_id, bin_id, command_type, payload, qos, status,
	retry_count, max_retries, created_at, sent_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
)`, cmd.CommandID, cmd.DeviceID, cmd.Type, payload, int(cmd.QoS), cmd.Status,
		cmd.RetryCount, cmd.MaxRetries, cmd.CreatedAt, cmd.SentAt)
	return err
}

// GetByID fetches a command by id. Returns nil when absent.
func (r *CommandRepository) GetByID(ctx context.Context, id string) (*commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE command_id = $1
LIMIT 1`, id)
	return scanCommand(row)
}

// ListByDevice lists the newest commands for a device.
func (r *CommandRepository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE bin_id = $1
ORDER BY created_at DESC
LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommands(rows)
}

// Acknowledge applies a device acknowledgment under a status guard. A
// successful ack also overrides an already-failed record (retry exhaustion
// lost the race against a slow device); a failure ack only lands on pending.
func (r *CommandRepository) Acknowledge(ctx context.Context, id string, success bool, errMsg string, at time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("command repo: nil db")
	}
	var result sql.Result
	var err error
	if success {
		result, err = r.db.ExecContext(ctx, `
UPDATE commands
SET status = $1, acked_at = $2, error = ''
WHERE command_id = $3 AND status IN ($4, $5)`,
			commands.StatusAcknowledged, at, id, commands.StatusPending, commands.StatusFailed)
	} else {
		result, err = r.db.ExecContext(ctx, `
UPDATE commands
SET status = $1, acked_at = $2, error = $3
WHERE command_id = $4 AND status = $5`,
			commands.StatusFailed, at, errMsg, id, commands.StatusPending)
	}
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// ListPendingOlderThan returns retryable pending commands sent before the
// cutoff. Terminal and retry-exhausted rows never match.
func (r *CommandRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE status = $1 AND sent_at < $2 AND retry_count < max_retries
ORDER BY sent_at ASC
LIMIT $3`, commands.StatusPending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommands(rows)
}

// MarkRetried bumps retry_count and resets sent_at. The retry_count guard
// makes concurrent sweeps (or horizontally scaled instances) touch a row at
// most once per retry round.
func (r *CommandRepository) MarkRetried(ctx context.Context, id string, expectedRetries int, sentAt time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("command repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE commands
SET retry_count = retry_count + 1, sent_at = $1
WHERE command_id = $2 AND status = $3 AND retry_count = $4 AND retry_count < max_retries`,
		sentAt, id, commands.StatusPending, expectedRetries)
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// MarkFailed moves a pending command to failed. A concurrent ack that
// already terminated the row wins and this becomes a no-op.
func (r *CommandRepository) MarkFailed(ctx context.Context, id, errMsg string) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("command repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE commands
SET status = $1, error = $2
WHERE command_id = $3 AND status = $4`,
		commands.StatusFailed, errMsg, id, commands.StatusPending)
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func collectCommands(rows *sql.Rows) ([]commands.Command, error) {
	var result []commands.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*commands.Command, error) {
	var cmd commands.Command
	var payload []byte
	var qos int
	var sentAt, ackedAt sql.NullTime
	var errMsg sql.NullString
	if err := row.Scan(
		&cmd.CommandID,
		&cmd.DeviceID,
		&cmd.Type,
		&payload,
		&qos,
		&cmd.Status,
		&cmd.RetryCount,
		&cmd.MaxRetries,
		&cmd.CreatedAt,
		&sentAt,
		&ackedAt,
		&errMsg,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cmd.Payload = payload
	cmd.QoS = byte(qos)
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	if sentAt.Valid {
		cmd.SentAt = sentAt.Time.UTC()
	}
	if ackedAt.Valid {
		cmd.AckedAt = ackedAt.Time.UTC()
	}
	if errMsg.Valid {
		cmd.Error = errMsg.String
	}
	return &cmd, nil
}

package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// Register creates a device from a profile and issues its api key.
	// A name collision is reported through the result, not an error;
	// the collision check and the insert are a single atomic step.
	Register(ctx context.Context, profile Profile) (*RegistrationResult, error)

	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id int64) (*Device, error)

	// GetByAPIKey retrieves a device by its credential. The lookup is
	// indexed; it sits on the hot path of every authenticated request.
	// Returns ErrDeviceNotFound if no device holds the key.
	GetByAPIKey(ctx context.Context, key string) (*Device, error)

	// List retrieves one page of devices matching the filter, plus the
	// unpaged total for pagination.
	List(ctx context.Context, filter Filter) (*ListResult, error)

	// UpdateConfig applies a device-initiated partial config update and
	// returns the updated device.
	UpdateConfig(ctx context.Context, id int64, patch ConfigPatch) (*Device, error)

	// UpdateDevice applies an admin edit (superset of UpdateConfig:
	// may rename and retype). Returns ErrNameExists if a rename
	// collides with another device.
	UpdateDevice(ctx context.Context, id int64, update AdminUpdate) (*Device, error)

	// UpdateStatus moves a device to a new admin status, enforcing the
	// transition rules. Returns ErrInvalidTransition when the move is
	// not permitted from the current status.
	UpdateStatus(ctx context.Context, id int64, status AdminStatus) error

	// TouchLastSeen records device activity. Heartbeats and telemetry
	// call this; it deliberately leaves updated_at alone so that column
	// keeps meaning "profile last changed".
	TouchLastSeen(ctx context.Context, id int64, seenAt time.Time) error

	// RotateKey issues a fresh api key for the device, invalidating the
	// old one, and returns the new key.
	RotateKey(ctx context.Context, id int64) (string, error)

	// Delete removes a device and its credential.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id int64) error

	// CountByStatus returns device counts per admin status, with zero
	// entries for statuses no device currently holds.
	CountByStatus(ctx context.Context) (map[AdminStatus]int, error)
}

// deviceColumns is the SELECT list shared by every read.
const deviceColumns = `id, name, device_type, description, location,
	firmware_version, hardware_version, api_key, status,
	created_at, updated_at, last_seen`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Register creates a device from a profile and issues its api key.
//
// The name-uniqueness check rides on the UNIQUE constraint: the insert
// either wins or surfaces the collision, with no window for a racing
// registration to slip between check and insert.
func (r *SQLiteRepository) Register(ctx context.Context, profile Profile) (*RegistrationResult, error) {
	profile = NormalizeProfile(profile)
	if err := ValidateProfile(profile); err != nil {
		return nil, err
	}

	apiKey, err := GenerateAPIKey()
	if err != nil {
		return nil, fmt.Errorf("generating api key: %w", err)
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO devices (
			name, device_type, description, location,
			firmware_version, hardware_version, api_key, status,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		profile.Name,
		profile.DeviceType,
		nullableString(profile.Description),
		nullableString(profile.Location),
		nullableString(profile.FirmwareVersion),
		nullableString(profile.HardwareVersion),
		apiKey,
		string(StatusActive),
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err, "devices.name") {
			existingID, lookupErr := r.idByName(ctx, profile.Name)
			if lookupErr != nil {
				return nil, fmt.Errorf("resolving existing device: %w", lookupErr)
			}
			return &RegistrationResult{NameTaken: true, ExistingID: existingID}, nil
		}
		return nil, fmt.Errorf("inserting device: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading new device id: %w", err)
	}

	return &RegistrationResult{
		Device: &Device{
			ID:              id,
			Name:            profile.Name,
			DeviceType:      profile.DeviceType,
			Description:     profile.Description,
			Location:        profile.Location,
			FirmwareVersion: profile.FirmwareVersion,
			HardwareVersion: profile.HardwareVersion,
			APIKey:          apiKey,
			Status:          StatusActive,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
	}, nil
}

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id int64) (*Device, error) {
	query := fmt.Sprintf("SELECT %s FROM devices WHERE id = ?", deviceColumns)

	row := r.db.QueryRowContext(ctx, query, id)
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return device, nil
}

// GetByAPIKey retrieves a device by its credential.
func (r *SQLiteRepository) GetByAPIKey(ctx context.Context, key string) (*Device, error) {
	query := fmt.Sprintf("SELECT %s FROM devices WHERE api_key = ?", deviceColumns)

	row := r.db.QueryRowContext(ctx, query, key)
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by api key: %w", err)
	}
	return device, nil
}

// List retrieves one page of devices matching the filter.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	// Clamp page size.
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size for device listings
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	// Build WHERE clause dynamically.
	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.DeviceType != "" {
		conditions = append(conditions, "device_type = ?")
		args = append(args, filter.DeviceType)
	}
	if filter.Search != "" {
		conditions = append(conditions, "name LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(filter.Search)+"%")
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	// Get total count.
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM devices %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting devices: %w", err)
	}

	// Get paginated results.
	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		"SELECT %s FROM devices %s ORDER BY id LIMIT ? OFFSET ?",
		deviceColumns, where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	devices := make([]Device, 0, filter.Limit)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return &ListResult{
		Devices: devices,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// UpdateConfig applies a device-initiated partial config update.
func (r *SQLiteRepository) UpdateConfig(ctx context.Context, id int64, patch ConfigPatch) (*Device, error) {
	if err := ValidateConfigPatch(patch); err != nil {
		return nil, err
	}
	if patch.Empty() {
		return r.GetByID(ctx, id)
	}

	var sets []string
	var args []any
	appendSet := func(column string, value *string) {
		if value != nil {
			sets = append(sets, column+" = ?")
			args = append(args, nullableString(*value))
		}
	}
	appendSet("description", patch.Description)
	appendSet("location", patch.Location)
	appendSet("firmware_version", patch.FirmwareVersion)
	appendSet("hardware_version", patch.HardwareVersion)

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC().Format(time.RFC3339), id)

	query := fmt.Sprintf("UPDATE devices SET %s WHERE id = ?", strings.Join(sets, ", ")) //nolint:gosec // SET built from fixed column names, values parameterised

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("updating device config: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrDeviceNotFound
	}

	return r.GetByID(ctx, id)
}

// UpdateDevice applies an admin edit.
func (r *SQLiteRepository) UpdateDevice(ctx context.Context, id int64, update AdminUpdate) (*Device, error) {
	if err := ValidateAdminUpdate(update); err != nil {
		return nil, err
	}
	if update.Empty() {
		return r.GetByID(ctx, id)
	}

	var sets []string
	var args []any
	appendSet := func(column string, value *string) {
		if value != nil {
			sets = append(sets, column+" = ?")
			args = append(args, nullableString(*value))
		}
	}
	if update.Name != nil {
		trimmed := strings.TrimSpace(*update.Name)
		sets = append(sets, "name = ?")
		args = append(args, trimmed)
	}
	if update.DeviceType != nil {
		trimmed := strings.TrimSpace(*update.DeviceType)
		sets = append(sets, "device_type = ?")
		args = append(args, trimmed)
	}
	appendSet("description", update.Description)
	appendSet("location", update.Location)
	appendSet("firmware_version", update.FirmwareVersion)
	appendSet("hardware_version", update.HardwareVersion)

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC().Format(time.RFC3339), id)

	query := fmt.Sprintf("UPDATE devices SET %s WHERE id = ?", strings.Join(sets, ", ")) //nolint:gosec // SET built from fixed column names, values parameterised

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueConstraintError(err, "devices.name") {
			return nil, ErrNameExists
		}
		return nil, fmt.Errorf("updating device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrDeviceNotFound
	}

	return r.GetByID(ctx, id)
}

// UpdateStatus moves a device to a new admin status.
//
// The read-check-write runs inside a transaction so a concurrent status
// change cannot produce a transition the rules forbid.
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id int64, status AdminStatus) error {
	if err := ValidateStatus(status); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM devices WHERE id = ?", id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDeviceNotFound
		}
		return fmt.Errorf("querying device status: %w", err)
	}

	if !CanTransition(AdminStatus(current), status) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, status)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE devices SET status = ?, updated_at = ? WHERE id = ?",
		string(status), time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing status update: %w", err)
	}
	return nil
}

// TouchLastSeen records device activity.
func (r *SQLiteRepository) TouchLastSeen(ctx context.Context, id int64, seenAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE devices SET last_seen = ? WHERE id = ?",
		seenAt.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating last seen: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// RotateKey issues a fresh api key for the device.
func (r *SQLiteRepository) RotateKey(ctx context.Context, id int64) (string, error) {
	apiKey, err := GenerateAPIKey()
	if err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		"UPDATE devices SET api_key = ?, updated_at = ? WHERE id = ?",
		apiKey, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return "", fmt.Errorf("rotating api key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return "", ErrDeviceNotFound
	}
	return apiKey, nil
}

// Delete removes a device and its credential. Time-series and cache
// cleanup belong to the caller; the row and its key are gone either way.
func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// CountByStatus returns device counts per admin status.
func (r *SQLiteRepository) CountByStatus(ctx context.Context) (map[AdminStatus]int, error) {
	counts := make(map[AdminStatus]int, len(AllAdminStatuses()))
	for _, s := range AllAdminStatuses() {
		counts[s] = 0
	}

	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM devices GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("counting devices by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[AdminStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status counts: %w", err)
	}

	return counts, nil
}

// idByName resolves a device name to its id.
func (r *SQLiteRepository) idByName(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, "SELECT id FROM devices WHERE name = ?", name).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrDeviceNotFound
		}
		return 0, err
	}
	return id, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDevice scans a row or rows result into a Device.
func scanDevice(scanner rowScanner) (*Device, error) {
	var d Device
	var description, location, firmwareVersion, hardwareVersion sql.NullString
	var lastSeen sql.NullString
	var status, createdAt, updatedAt string

	err := scanner.Scan(
		&d.ID,
		&d.Name,
		&d.DeviceType,
		&description,
		&location,
		&firmwareVersion,
		&hardwareVersion,
		&d.APIKey,
		&status,
		&createdAt,
		&updatedAt,
		&lastSeen,
	)
	if err != nil {
		return nil, err
	}

	d.Status = AdminStatus(status)
	d.Description = description.String
	d.Location = location.String
	d.FirmwareVersion = firmwareVersion.String
	d.HardwareVersion = hardwareVersion.String

	var parseErr error
	d.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	d.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}
	if lastSeen.Valid {
		t, err := time.Parse(time.RFC3339, lastSeen.String)
		if err == nil {
			d.LastSeen = &t
		}
	}

	return &d, nil
}

// nullableString returns a sql.NullString for optional text columns,
// storing NULL instead of the empty string.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// escapeLike escapes LIKE metacharacters in a user-supplied search term.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// isUniqueConstraintError checks if an error is a SQLite unique
// constraint violation on the given column (table.column form).
func isUniqueConstraintError(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") &&
		!strings.Contains(msg, "unique constraint") {
		return false
	}
	return column == "" || strings.Contains(msg, column)
}

package plugin

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS plugins (
	id           TEXT PRIMARY KEY,
	manifest     TEXT NOT NULL,
	enabled      INTEGER NOT NULL DEFAULT 0,
	bundled      INTEGER NOT NULL DEFAULT 0,
	settings     TEXT NOT NULL DEFAULT '{}',
	installed_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS audit (
	id         TEXT PRIMARY KEY,
	plugin_id  TEXT NOT NULL,
	action     TEXT NOT NULL,
	detail     TEXT,
	created_at TIMESTAMP NOT NULL
);
`

// Store is the durable record of installed plugins, their enabled state and
// per-plugin settings. It is the single source of truth for lifecycle
// queries; all writes funnel through the manager.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenStore opens (creating if necessary) the plugin store at path
func OpenStore(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, &StoreError{Op: "migrate", Err: err}
	}
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "plugin-store").Logger(),
	}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts or replaces the record for state's plugin id. On replace the
// original install time is preserved so GetAll ordering stays stable across
// updates.
func (s *Store) Put(state *State) error {
	manifestJSON, err := json.Marshal(state.Manifest)
	if err != nil {
		return &StoreError{Op: "put", Err: err}
	}
	settings := state.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return &StoreError{Op: "put", Err: err}
	}

	installedAt := state.InstalledAt
	if installedAt.IsZero() {
		installedAt = time.Now().UTC()
	}

	_, err = s.db.Exec(`
		INSERT INTO plugins (id, manifest, enabled, bundled, settings, installed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			manifest = excluded.manifest,
			enabled  = excluded.enabled,
			bundled  = excluded.bundled,
			settings = excluded.settings`,
		state.Manifest.ID, string(manifestJSON), state.Enabled, state.Bundled,
		string(settingsJSON), installedAt)
	if err != nil {
		return &StoreError{Op: "put", Err: err}
	}
	return nil
}

// Get returns the record for a plugin id, or ErrNotFound
func (s *Store) Get(id string) (*State, error) {
	row := s.db.QueryRow(`
		SELECT manifest, enabled, bundled, settings, installed_at
		FROM plugins WHERE id = ?`, id)

	state, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get", Err: err}
	}
	return state, nil
}

// GetAll returns all records ordered by install time ascending. Corrupt
// rows are skipped with a logged warning so one bad record does not abort
// loading the rest.
func (s *Store) GetAll() ([]*State, error) {
	rows, err := s.db.Query(`
		SELECT manifest, enabled, bundled, settings, installed_at
		FROM plugins ORDER BY installed_at ASC, id ASC`)
	if err != nil {
		return nil, &StoreError{Op: "getAll", Err: err}
	}
	defer rows.Close()

	var states []*State
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Skipping corrupt plugin record")
			continue
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "getAll", Err: err}
	}
	return states, nil
}

// Remove deletes the record for a plugin id. Bundled plugins cannot be
// removed.
func (s *Store) Remove(id string) error {
	state, err := s.Get(id)
	if err != nil {
		return err
	}
	if state.Bundled {
		return &ForbiddenError{Reason: fmt.Sprintf("plugin %s is bundled with the host and cannot be uninstalled", id)}
	}

	if _, err := s.db.Exec(`DELETE FROM plugins WHERE id = ?`, id); err != nil {
		return &StoreError{Op: "remove", Err: err}
	}
	return nil
}

// SetEnabled flips the enabled flag for a plugin id
func (s *Store) SetEnabled(id string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE plugins SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return &StoreError{Op: "setEnabled", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &StoreError{Op: "setEnabled", Err: err}
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSettings replaces the opaque settings map for a plugin id
func (s *Store) UpdateSettings(id string, settings map[string]any) error {
	if settings == nil {
		settings = map[string]any{}
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return &StoreError{Op: "updateSettings", Err: err}
	}

	res, err := s.db.Exec(`UPDATE plugins SET settings = ? WHERE id = ?`, string(settingsJSON), id)
	if err != nil {
		return &StoreError{Op: "updateSettings", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &StoreError{Op: "updateSettings", Err: err}
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendAudit records a lifecycle audit note for a plugin
func (s *Store) AppendAudit(pluginID, action, detail string) error {
	_, err := s.db.Exec(`
		INSERT INTO audit (id, plugin_id, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), pluginID, action, detail, time.Now().UTC())
	if err != nil {
		return &StoreError{Op: "audit", Err: err}
	}
	return nil
}

// AuditEntry is one recorded lifecycle event
type AuditEntry struct {
	ID        string
	PluginID  string
	Action    string
	Detail    string
	CreatedAt time.Time
}

// AuditLog returns the most recent audit entries for a plugin, newest first
func (s *Store) AuditLog(pluginID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, plugin_id, action, detail, created_at
		FROM audit WHERE plugin_id = ?
		ORDER BY created_at DESC LIMIT ?`, pluginID, limit)
	if err != nil {
		return nil, &StoreError{Op: "auditLog", Err: err}
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.PluginID, &e.Action, &detail, &e.CreatedAt); err != nil {
			return nil, &StoreError{Op: "auditLog", Err: err}
		}
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*State, error) {
	var manifestJSON, settingsJSON string
	var state State

	if err := row.Scan(&manifestJSON, &state.Enabled, &state.Bundled, &settingsJSON, &state.InstalledAt); err != nil {
		return nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal([]byte(manifestJSON), &manifest); err != nil {
		return nil, fmt.Errorf("corrupt manifest column: %w", err)
	}
	if manifest.ID == "" {
		return nil, errors.New("corrupt manifest column: missing id")
	}
	state.Manifest = &manifest

	if err := json.Unmarshal([]byte(settingsJSON), &state.Settings); err != nil {
		return nil, fmt.Errorf("corrupt settings column: %w", err)
	}
	if state.Settings == nil {
		state.Settings = map[string]any{}
	}
	return &state, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/fleetd/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			last_checkin DATETIME,
			first_seen DATETIME,
			profile TEXT,
			command_history TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS commands (
			command_id TEXT PRIMARY KEY,
			parent_id TEXT,
			target_id TEXT,
			verb TEXT NOT NULL,
			parameters TEXT,
			state TEXT NOT NULL,
			result TEXT,
			error TEXT,
			timeout_ms INTEGER NOT NULL DEFAULT 300000,
			filter TEXT,
			children TEXT,
			summary TEXT,
			created_at DATETIME NOT NULL,
			queued_at DATETIME,
			last_transition_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_state ON commands(state, last_transition_at)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_target ON commands(target_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS reports (
			report_id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_agent_id TEXT,
			category TEXT NOT NULL,
			priority INTEGER NOT NULL,
			payload TEXT,
			ts DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_category ON reports(category, ts)`,
		`CREATE TABLE IF NOT EXISTS events (
			sequence INTEGER PRIMARY KEY,
			topic TEXT NOT NULL,
			key TEXT,
			payload TEXT,
			ts DATETIME NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalText(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func rawText(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// UpsertAgent inserts or replaces an agent row.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *domain.Agent) error {
	profile, err := marshalText(agent.Profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	history, err := marshalText(agent.CommandHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal command history: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (agent_id, status, risk_level, last_checkin, first_seen, profile, command_history)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			status = excluded.status,
			risk_level = excluded.risk_level,
			last_checkin = excluded.last_checkin,
			first_seen = excluded.first_seen,
			profile = excluded.profile,
			command_history = excluded.command_history`,
		agent.AgentID, agent.Status, agent.RiskLevel, nullTime(agent.LastCheckin), nullTime(agent.FirstSeen), profile, history)
	return err
}

const agentColumns = `agent_id, status, risk_level, last_checkin, first_seen, profile, command_history`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*domain.Agent, error) {
	var agent domain.Agent
	var lastCheckin, firstSeen sql.NullTime
	var profile, history sql.NullString
	if err := row.Scan(&agent.AgentID, &agent.Status, &agent.RiskLevel, &lastCheckin, &firstSeen, &profile, &history); err != nil {
		return nil, err
	}
	if lastCheckin.Valid {
		agent.LastCheckin = lastCheckin.Time
	}
	if firstSeen.Valid {
		agent.FirstSeen = firstSeen.Time
	}
	agent.Profile = map[string]interface{}{}
	if profile.Valid {
		if err := json.Unmarshal([]byte(profile.String), &agent.Profile); err != nil {
			return nil, fmt.Errorf("agent %s: bad profile: %w", agent.AgentID, err)
		}
	}
	if history.Valid {
		if err := json.Unmarshal([]byte(history.String), &agent.CommandHistory); err != nil {
			return nil, fmt.Errorf("agent %s: bad command history: %w", agent.AgentID, err)
		}
	}
	return &agent, nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return agent, err
}

// ListAgents lists all agents.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent row. Deleting a missing agent is not an error.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
	return err
}

// UpsertCommand inserts a command or updates it. Updates never move a row
// back to an older transition.
func (s *SQLiteStore) UpsertCommand(ctx context.Context, cmd *domain.Command) error {
	var filter, children, summary sql.NullString
	var err error
	if cmd.Filter != nil {
		if filter, err = marshalText(cmd.Filter); err != nil {
			return fmt.Errorf("failed to marshal filter: %w", err)
		}
	}
	if len(cmd.Children) > 0 {
		if children, err = marshalText(cmd.Children); err != nil {
			return fmt.Errorf("failed to marshal children: %w", err)
		}
	}
	if len(cmd.Summary) > 0 {
		if summary, err = marshalText(cmd.Summary); err != nil {
			return fmt.Errorf("failed to marshal summary: %w", err)
		}
	}
	var queuedAt sql.NullTime
	if cmd.QueuedAt != nil {
		queuedAt = nullTime(*cmd.QueuedAt)
	}
	var errText sql.NullString
	if cmd.Error != "" {
		errText = sql.NullString{String: cmd.Error, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO commands (command_id, parent_id, target_id, verb, parameters, state, result, error,
			timeout_ms, filter, children, summary, created_at, queued_at, last_transition_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(command_id) DO UPDATE SET
			state = excluded.state,
			result = excluded.result,
			error = excluded.error,
			children = excluded.children,
			summary = excluded.summary,
			queued_at = excluded.queued_at,
			last_transition_at = excluded.last_transition_at
		WHERE excluded.last_transition_at >= commands.last_transition_at`,
		cmd.CommandID, cmd.ParentID, cmd.TargetID, cmd.Verb, rawText(cmd.Parameters), cmd.State,
		rawText(cmd.Result), errText, cmd.TimeoutMs, filter, children, summary,
		cmd.CreatedAt.UTC(), queuedAt, cmd.LastTransitionAt.UTC())
	return err
}

const commandColumns = `command_id, parent_id, target_id, verb, parameters, state, result, error,
	timeout_ms, filter, children, summary, created_at, queued_at, last_transition_at`

func scanCommand(row rowScanner) (*domain.Command, error) {
	var cmd domain.Command
	var parentID, targetID, params, result, errText, filter, children, summary sql.NullString
	var queuedAt sql.NullTime
	if err := row.Scan(&cmd.CommandID, &parentID, &targetID, &cmd.Verb, &params, &cmd.State, &result, &errText,
		&cmd.TimeoutMs, &filter, &children, &summary, &cmd.CreatedAt, &queuedAt, &cmd.LastTransitionAt); err != nil {
		return nil, err
	}
	cmd.ParentID = parentID.String
	cmd.TargetID = targetID.String
	cmd.Error = errText.String
	if params.Valid {
		cmd.Parameters = json.RawMessage(params.String)
	}
	if result.Valid {
		cmd.Result = json.RawMessage(result.String)
	}
	if queuedAt.Valid {
		t := queuedAt.Time
		cmd.QueuedAt = &t
	}
	if filter.Valid {
		cmd.Filter = &domain.AgentFilter{}
		if err := json.Unmarshal([]byte(filter.String), cmd.Filter); err != nil {
			return nil, fmt.Errorf("command %s: bad filter: %w", cmd.CommandID, err)
		}
	}
	if children.Valid {
		if err := json.Unmarshal([]byte(children.String), &cmd.Children); err != nil {
			return nil, fmt.Errorf("command %s: bad children: %w", cmd.CommandID, err)
		}
	}
	if summary.Valid {
		if err := json.Unmarshal([]byte(summary.String), &cmd.Summary); err != nil {
			return nil, fmt.Errorf("command %s: bad summary: %w", cmd.CommandID, err)
		}
	}
	return &cmd, nil
}

// GetCommand retrieves a command by ID.
func (s *SQLiteStore) GetCommand(ctx context.Context, commandID string) (*domain.Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE command_id = ?`, commandID)
	cmd, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cmd, err
}

// ListCommands lists commands, newest first.
func (s *SQLiteStore) ListCommands(ctx context.Context, filter domain.CommandFilter, limit int) ([]domain.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE 1 = 1`
	var args []interface{}

	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, filter.State)
	}
	if filter.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, filter.TargetID)
	}
	if filter.Pending {
		query += ` AND state IN (?, ?)`
		args = append(args, domain.CommandStateQueued, domain.CommandStateDelivered)
	}

	query += ` ORDER BY created_at DESC, command_id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryCommands(ctx, query, args...)
}

// ListRestorableCommands returns every non-terminal command plus terminal
// ones that changed at or after terminalSince.
func (s *SQLiteStore) ListRestorableCommands(ctx context.Context, terminalSince time.Time) ([]domain.Command, error) {
	return s.queryCommands(ctx,
		`SELECT `+commandColumns+` FROM commands
		WHERE state NOT IN (?, ?, ?) OR last_transition_at >= ?
		ORDER BY created_at, command_id`,
		domain.CommandStateAcknowledged, domain.CommandStateFailed, domain.CommandStateTimedOut, terminalSince.UTC())
}

func (s *SQLiteStore) queryCommands(ctx context.Context, query string, args ...interface{}) ([]domain.Command, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []domain.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, *cmd)
	}
	return cmds, rows.Err()
}

// SaveReport archives a report.
func (s *SQLiteStore) SaveReport(ctx context.Context, report domain.Report) error {
	var source sql.NullString
	if report.SourceAgentID != "" {
		source = sql.NullString{String: report.SourceAgentID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (source_agent_id, category, priority, payload, ts) VALUES (?, ?, ?, ?, ?)`,
		source, report.Category, report.Priority, rawText(report.Payload), report.Timestamp.UTC())
	return err
}

// ListReports lists archived reports, newest first.
func (s *SQLiteStore) ListReports(ctx context.Context, filter ReportFilter) ([]domain.Report, error) {
	query := `SELECT source_agent_id, category, priority, payload, ts FROM reports WHERE 1 = 1`
	var args []interface{}

	if filter.SourceAgentID != "" {
		query += ` AND source_agent_id = ?`
		args = append(args, filter.SourceAgentID)
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.MinPriority > 0 {
		query += ` AND priority >= ?`
		args = append(args, filter.MinPriority)
	}
	query += ` ORDER BY ts DESC, report_id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []domain.Report
	for rows.Next() {
		var r domain.Report
		var source, payload sql.NullString
		if err := rows.Scan(&source, &r.Category, &r.Priority, &payload, &r.Timestamp); err != nil {
			return nil, err
		}
		r.SourceAgentID = source.String
		if payload.Valid {
			r.Payload = json.RawMessage(payload.String)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// AppendEvent records an event. Re-appending a sequence is ignored.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event domain.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (sequence, topic, key, payload, ts) VALUES (?, ?, ?, ?, ?)`,
		int64(event.Sequence), event.Topic, event.Key, rawText(event.Payload), event.Timestamp.UTC())
	return err
}

// RecentEvents returns the newest limit events in sequence order.
func (s *SQLiteStore) RecentEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, topic, key, payload, ts FROM
			(SELECT sequence, topic, key, payload, ts FROM events ORDER BY sequence DESC LIMIT ?)
		ORDER BY sequence ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var seq int64
		var key, payload sql.NullString
		if err := rows.Scan(&seq, &ev.Topic, &key, &payload, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Sequence = uint64(seq)
		ev.Key = key.String
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

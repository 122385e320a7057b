// Package approval keeps the durable ledger of human-in-the-loop
// decisions. Records live in a per-project sqlite database so pending
// gates survive orchestrator restarts; ids are monotonic and resolutions
// are terminal.
package approval

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // sqlite driver

	"overseer/pkg/logx"
	"overseer/pkg/proto"
)

// Approval is one ticketed, expiring decision request.
type Approval struct {
	ID          int64                `json:"id"`
	Project     string               `json:"project"`
	Summary     string               `json:"summary"`
	Payload     string               `json:"payload"`
	RequestedAt time.Time            `json:"requested_at"`
	ExpiresAt   time.Time            `json:"expires_at"`
	Resolution  proto.ApprovalStatus `json:"resolution"`
	Resolver    string               `json:"resolver,omitempty"`
	Feedback    string               `json:"feedback,omitempty"`
}

// Pending reports whether the approval still awaits a decision.
func (a Approval) Pending() bool {
	return a.Resolution == proto.ApprovalPending
}

const schema = `
CREATE TABLE IF NOT EXISTS approvals (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	project      TEXT NOT NULL,
	summary      TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '',
	requested_at TEXT NOT NULL,
	expires_at   TEXT NOT NULL,
	resolution   TEXT NOT NULL DEFAULT 'PENDING',
	resolver     TEXT NOT NULL DEFAULT '',
	feedback     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_approvals_resolution ON approvals(resolution);
`

// Ledger is the sqlite-backed approval store.
type Ledger struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("open approvals db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping approvals db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize approvals schema: %w", err)
	}

	// sqlite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Ledger{db: db, logger: logx.NewLogger("approval")}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Create records a new PENDING approval and returns it with its id.
func (l *Ledger) Create(project, summary, payload string, ttl time.Duration) (Approval, error) {
	now := proto.Timestamp()
	a := Approval{
		Project:     project,
		Summary:     summary,
		Payload:     payload,
		RequestedAt: now,
		ExpiresAt:   now.Add(ttl),
		Resolution:  proto.ApprovalPending,
	}

	res, err := l.db.Exec(
		`INSERT INTO approvals (project, summary, payload, requested_at, expires_at, resolution)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.Project, a.Summary, a.Payload,
		a.RequestedAt.Format(time.RFC3339Nano),
		a.ExpiresAt.Format(time.RFC3339Nano),
		string(a.Resolution),
	)
	if err != nil {
		return Approval{}, fmt.Errorf("insert approval: %w", err)
	}
	a.ID, err = res.LastInsertId()
	if err != nil {
		return Approval{}, fmt.Errorf("approval id: %w", err)
	}
	l.logger.Info("approval %d opened for %s: %s", a.ID, project, summary)
	return a, nil
}

// Get returns one approval by id.
func (l *Ledger) Get(id int64) (Approval, error) {
	row := l.db.QueryRow(
		`SELECT id, project, summary, payload, requested_at, expires_at, resolution, resolver, feedback
		 FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Approval{}, fmt.Errorf("approval %d: %w", id, proto.ErrNotFound)
	}
	return a, err
}

// Pending lists the project's unresolved approvals, oldest first. An
// empty project matches all projects.
func (l *Ledger) Pending(project string) ([]Approval, error) {
	query := `SELECT id, project, summary, payload, requested_at, expires_at, resolution, resolver, feedback
		 FROM approvals WHERE resolution = 'PENDING'`
	args := []any{}
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY id`

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Resolve moves a PENDING approval to APPROVED or REJECTED. Resolutions
// are idempotent: repeating the same verdict is a no-op, a conflicting
// verdict fails with proto.ErrConflict, and resolving after TIMED_OUT
// fails with proto.ErrApprovalExpired.
func (l *Ledger) Resolve(id int64, approved bool, resolver, feedback string) (Approval, error) {
	a, err := l.Get(id)
	if err != nil {
		return Approval{}, err
	}

	target := proto.ApprovalRejected
	if approved {
		target = proto.ApprovalApproved
	}

	switch a.Resolution {
	case proto.ApprovalPending:
	case proto.ApprovalTimedOut:
		return a, fmt.Errorf("approval %d: %w", id, proto.ErrApprovalExpired)
	case target:
		return a, nil
	default:
		return a, fmt.Errorf("approval %d already %s: %w", id, a.Resolution, proto.ErrConflict)
	}

	res, err := l.db.Exec(
		`UPDATE approvals SET resolution = ?, resolver = ?, feedback = ?
		 WHERE id = ? AND resolution = 'PENDING'`,
		string(target), resolver, feedback, id,
	)
	if err != nil {
		return Approval{}, fmt.Errorf("resolve approval %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Approval{}, err
	}
	if affected == 0 {
		// Raced with the sweeper or another resolver; report the winner.
		return l.Get(id)
	}

	a.Resolution = target
	a.Resolver = resolver
	a.Feedback = feedback
	l.logger.Info("approval %d resolved %s by %s", id, target, resolver)
	return a, nil
}

// SweepExpired marks overdue PENDING approvals TIMED_OUT and returns
// them so the caller can roll back their held transitions.
func (l *Ledger) SweepExpired(now time.Time) ([]Approval, error) {
	rows, err := l.db.Query(
		`SELECT id, project, summary, payload, requested_at, expires_at, resolution, resolver, feedback
		 FROM approvals WHERE resolution = 'PENDING' AND expires_at < ? ORDER BY id`,
		now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("query expired approvals: %w", err)
	}
	var expired []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range expired {
		if _, err := l.db.Exec(
			`UPDATE approvals SET resolution = 'TIMED_OUT' WHERE id = ? AND resolution = 'PENDING'`,
			expired[i].ID,
		); err != nil {
			return nil, fmt.Errorf("expire approval %d: %w", expired[i].ID, err)
		}
		expired[i].Resolution = proto.ApprovalTimedOut
		l.logger.Warn("approval %d timed out: %s", expired[i].ID, expired[i].Summary)
	}
	return expired, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (Approval, error) {
	var a Approval
	var requested, expires, resolution string
	if err := row.Scan(&a.ID, &a.Project, &a.Summary, &a.Payload,
		&requested, &expires, &resolution, &a.Resolver, &a.Feedback); err != nil {
		return Approval{}, err
	}

	var err error
	if a.RequestedAt, err = time.Parse(time.RFC3339Nano, requested); err != nil {
		return Approval{}, fmt.Errorf("parse requested_at: %w", err)
	}
	if a.ExpiresAt, err = time.Parse(time.RFC3339Nano, expires); err != nil {
		return Approval{}, fmt.Errorf("parse expires_at: %w", err)
	}
	if a.Resolution, err = proto.ParseApprovalStatus(resolution); err != nil {
		return Approval{}, err
	}
	return a, nil
}

// Package study persists optimization trials in a SQLite database, one file
// per study, so that a study can be inspected after the run or resumed.
package study

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrDuplicatedStudy = errors.New("study already exists")
	ErrTrialNotFound   = errors.New("trial not found")
)

type State string

const (
	Running  State = "RUNNING"
	Complete State = "COMPLETE"
	Pruned   State = "PRUNED"
	Fail     State = "FAIL"
)

// Trial is one stored trial. Value is nil unless the trial completed or was
// pruned after reporting.
type Trial struct {
	Number       int
	State        State
	Value        *float64
	Params       map[string]any
	Intermediate map[int]float64
	Start        time.Time
	Complete     time.Time
}

// LastStep returns the highest reported step, or 0.
func (t Trial) LastStep() int {
	last := 0
	for step := range t.Intermediate {
		if step > last {
			last = step
		}
	}
	return last
}

const schema = `
CREATE TABLE IF NOT EXISTS studies (
	study_id   INTEGER PRIMARY KEY AUTOINCREMENT,
	study_name TEXT NOT NULL UNIQUE,
	direction  TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS trials (
	trial_id          INTEGER PRIMARY KEY AUTOINCREMENT,
	number            INTEGER NOT NULL,
	study_id          INTEGER NOT NULL REFERENCES studies(study_id),
	state             TEXT NOT NULL,
	value             REAL,
	params            TEXT NOT NULL DEFAULT '{}',
	datetime_start    TEXT NOT NULL,
	datetime_complete TEXT,
	UNIQUE (study_id, number)
);
CREATE TABLE IF NOT EXISTS trial_intermediate_values (
	trial_id INTEGER NOT NULL REFERENCES trials(trial_id),
	step     INTEGER NOT NULL,
	value    REAL NOT NULL,
	PRIMARY KEY (trial_id, step)
);
`

// Storage is an open study. It is not safe for concurrent use.
type Storage struct {
	db      *sql.DB
	studyID int64
	name    string
}

// Open opens or creates the database at path and the named study in it.
// When the study already exists and loadIfExists is false it fails with
// ErrDuplicatedStudy.
func Open(ctx context.Context, path, name string, loadIfExists bool) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating study dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening study db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating study schema: %w", err)
	}

	s := &Storage{db: db, name: name}
	err = db.QueryRowContext(ctx, `SELECT study_id FROM studies WHERE study_name = ?`, name).Scan(&s.studyID)
	switch {
	case err == nil:
		if !loadIfExists {
			db.Close()
			return nil, fmt.Errorf("study %q in %s: %w", name, path, ErrDuplicatedStudy)
		}
	case errors.Is(err, sql.ErrNoRows):
		res, err := db.ExecContext(ctx,
			`INSERT INTO studies (study_name, direction, created_at) VALUES (?, 'MINIMIZE', ?)`,
			name, timestamp(time.Now()))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("creating study: %w", err)
		}
		if s.studyID, err = res.LastInsertId(); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating study: %w", err)
		}
	default:
		db.Close()
		return nil, fmt.Errorf("looking up study: %w", err)
	}
	return s, nil
}

func (s *Storage) Name() string { return s.name }

func (s *Storage) Close() error { return s.db.Close() }

// CreateTrial adds a running trial and returns its number.
func (s *Storage) CreateTrial(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trials WHERE study_id = ?`, s.studyID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting trials: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trials (number, study_id, state, datetime_start) VALUES (?, ?, ?, ?)`,
		n, s.studyID, Running, timestamp(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("creating trial: %w", err)
	}
	return n, nil
}

// SetParams stores the sampled parameters of a trial.
func (s *Storage) SetParams(ctx context.Context, number int, p map[string]any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}
	return s.update(ctx, `UPDATE trials SET params = ? WHERE study_id = ? AND number = ?`, string(data), s.studyID, number)
}

// Report stores an intermediate value.
func (s *Storage) Report(ctx context.Context, number, step int, value float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trial_intermediate_values (trial_id, step, value)
		SELECT trial_id, ?, ? FROM trials WHERE study_id = ? AND number = ?
		ON CONFLICT (trial_id, step) DO UPDATE SET value = excluded.value`,
		step, value, s.studyID, number)
	if err != nil {
		return fmt.Errorf("reporting trial %d step %d: %w", number, step, err)
	}
	return nil
}

// Finish moves a trial to a final state.
func (s *Storage) Finish(ctx context.Context, number int, state State, value *float64) error {
	var v any
	if value != nil {
		v = *value
	}
	return s.update(ctx,
		`UPDATE trials SET state = ?, value = ?, datetime_complete = ? WHERE study_id = ? AND number = ?`,
		state, v, timestamp(time.Now()), s.studyID, number)
}

func (s *Storage) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating trial: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTrialNotFound
	}
	return nil
}

// Trials returns every trial of the study ordered by number.
func (s *Storage) Trials(ctx context.Context) ([]Trial, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trial_id, number, state, value, params, datetime_start, datetime_complete
		FROM trials WHERE study_id = ? ORDER BY number`, s.studyID)
	if err != nil {
		return nil, fmt.Errorf("listing trials: %w", err)
	}
	defer rows.Close()

	var (
		trials []Trial
		ids    = map[int64]int{}
	)
	for rows.Next() {
		var (
			id       int64
			t        Trial
			state    string
			value    sql.NullFloat64
			rawP     string
			start    string
			complete sql.NullString
		)
		if err := rows.Scan(&id, &t.Number, &state, &value, &rawP, &start, &complete); err != nil {
			return nil, fmt.Errorf("scanning trial: %w", err)
		}
		t.State = State(state)
		if value.Valid {
			v := value.Float64
			t.Value = &v
		}
		if err := json.Unmarshal([]byte(rawP), &t.Params); err != nil {
			return nil, fmt.Errorf("decoding params of trial %d: %w", t.Number, err)
		}
		t.Start = parseTimestamp(start)
		if complete.Valid {
			t.Complete = parseTimestamp(complete.String)
		}
		t.Intermediate = map[int]float64{}
		ids[id] = len(trials)
		trials = append(trials, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing trials: %w", err)
	}
	rows.Close()

	iv, err := s.db.QueryContext(ctx, `
		SELECT v.trial_id, v.step, v.value FROM trial_intermediate_values v
		JOIN trials t ON t.trial_id = v.trial_id WHERE t.study_id = ?`, s.studyID)
	if err != nil {
		return nil, fmt.Errorf("listing intermediate values: %w", err)
	}
	defer iv.Close()
	for iv.Next() {
		var (
			id    int64
			step  int
			value float64
		)
		if err := iv.Scan(&id, &step, &value); err != nil {
			return nil, fmt.Errorf("scanning intermediate value: %w", err)
		}
		if i, ok := ids[id]; ok {
			trials[i].Intermediate[step] = value
		}
	}
	return trials, iv.Err()
}

// Best returns the completed trial with the lowest value.
func (s *Storage) Best(ctx context.Context) (*Trial, error) {
	trials, err := s.Trials(ctx)
	if err != nil {
		return nil, err
	}
	done := Completed(trials)
	if len(done) == 0 {
		return nil, ErrTrialNotFound
	}
	sort.SliceStable(done, func(i, j int) bool { return *done[i].Value < *done[j].Value })
	return &done[0], nil
}

// Completed filters trials in the Complete state that have a value.
func Completed(trials []Trial) []Trial {
	var out []Trial
	for _, t := range trials {
		if t.State == Complete && t.Value != nil {
			out = append(out, t)
		}
	}
	return out
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

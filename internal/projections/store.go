package projections

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

const timeLayout = "2006-01-02 15:04:05"

// Store is the per-user ProjectionStore. One instance owns the
// "projections" and "projection_dependencies" tables of the user's shared
// memory.db, opened once per user per spec.md section 5's resource policy.
type Store struct {
	db *sql.DB
}

// Open initializes the projection schema on an already-opened user database
// (shared with internal/memory.Store, one *sql.DB per user).
func Open(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.init(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS projections (
			id TEXT PRIMARY KEY,
			summary TEXT NOT NULL,
			raw_when TEXT NOT NULL DEFAULT '',
			resolved_when TEXT,
			resolution TEXT NOT NULL,
			recurrence TEXT,
			trigger_on_fact TEXT,
			context TEXT NOT NULL DEFAULT '',
			linked_ids TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			resolved_at TEXT
		)
	`)
	if err != nil {
		return store.WrapDbError("init projections", err)
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS projection_dependencies (
			id TEXT PRIMARY KEY,
			observer_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			condition TEXT NOT NULL,
			condition_type TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return store.WrapDbError("init projection_dependencies", err)
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reflection_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		return store.WrapDbError("init reflection_meta", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Add inserts a projection and any requested dependency rows atomically.
// Each depends_on entry is validated: subject must exist, observer != subject,
// cycle-free, total DAG depth <= MaxDependencyDepth.
func (s *Store) Add(ctx context.Context, in AddInput) (string, error) {
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", store.WrapDbError("add:begin", err)
	}
	defer tx.Rollback()

	linkedIDsJSON, err := json.Marshal(nonNilStrings(in.LinkedIDs))
	if err != nil {
		return "", store.WrapDbError("add:marshal linked_ids", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections
			(id, summary, raw_when, resolved_when, resolution, recurrence, trigger_on_fact, context, linked_ids, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', datetime('now'))
	`, id, in.Summary, in.RawWhen, nullableTime(in.ResolvedWhen), string(in.Resolution),
		nullableString(in.Recurrence), nullableString(in.TriggerOnFact), in.Context, string(linkedIDsJSON))
	if err != nil {
		return "", store.WrapDbError("add:insert projection", err)
	}

	for _, dep := range in.DependsOn {
		if err := s.insertDependencyTx(ctx, tx, id, dep.SubjectID, dep.Condition, dep.ConditionType); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", store.WrapDbError("add:commit", err)
	}
	return id, nil
}

// LinkDependency adds a single dependency edge to already-existing
// projections. condition_type defaults per inferConditionType when empty.
func (s *Store) LinkDependency(ctx context.Context, observerID, subjectID, condition string, conditionType ConditionType) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", store.WrapDbError("link:begin", err)
	}
	defer tx.Rollback()

	depID := uuid.NewString()
	if err := s.insertDependencyTxWithID(ctx, tx, depID, observerID, subjectID, condition, conditionType); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", store.WrapDbError("link:commit", err)
	}
	return depID, nil
}

func (s *Store) insertDependencyTx(ctx context.Context, tx *sql.Tx, observerID, subjectID, condition string, conditionType ConditionType) error {
	return s.insertDependencyTxWithID(ctx, tx, uuid.NewString(), observerID, subjectID, condition, conditionType)
}

func (s *Store) insertDependencyTxWithID(ctx context.Context, tx *sql.Tx, depID, observerID, subjectID, condition string, conditionType ConditionType) error {
	if observerID == subjectID {
		return invariantf("a projection cannot depend on itself")
	}
	if conditionType == "" {
		conditionType = inferConditionType(condition)
	}
	if conditionType == ConditionLLM {
		return invariantf("llm dependency condition type not implemented")
	}

	exists, err := s.projectionExistsTx(ctx, tx, subjectID)
	if err != nil {
		return err
	}
	if !exists {
		return invariantf("dependency subject %s does not exist", subjectID)
	}

	cyclic, err := s.reachableTx(ctx, tx, subjectID, observerID)
	if err != nil {
		return err
	}
	if cyclic {
		return invariantf("dependency cycle detected")
	}

	above, err := s.depthAboveTx(ctx, tx, observerID, 0)
	if err != nil {
		return err
	}
	below, err := s.depthBelowTx(ctx, tx, subjectID, 0)
	if err != nil {
		return err
	}
	if above+1+below > MaxDependencyDepth {
		return invariantf("dependency chain depth exceeds %d", MaxDependencyDepth)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projection_dependencies (id, observer_id, subject_id, condition, condition_type, created_at)
		VALUES (?, ?, ?, ?, ?, datetime('now'))
	`, depID, observerID, subjectID, condition, string(conditionType))
	if err != nil {
		return store.WrapDbError("insert dependency", err)
	}
	return nil
}

func (s *Store) projectionExistsTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM projections WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, store.WrapDbError("check projection exists", err)
	}
	return count > 0, nil
}

// reachableTx reports whether to is reachable from from by following
// existing observer_id -> subject_id edges (from depends on X depends on
// ... ). Used to detect that inserting edge (observer=to, subject=from)
// would close a cycle.
func (s *Store) reachableTx(ctx context.Context, tx *sql.Tx, from, to string) (bool, error) {
	visited := map[string]bool{}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			return true, nil
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true

		rows, err := tx.QueryContext(ctx, `SELECT subject_id FROM projection_dependencies WHERE observer_id = ?`, cur)
		if err != nil {
			return false, store.WrapDbError("reachability scan", err)
		}
		var neighbors []string
		for rows.Next() {
			var n string
			if err := rows.Scan(&n); err != nil {
				rows.Close()
				return false, store.WrapDbError("reachability scan row", err)
			}
			neighbors = append(neighbors, n)
		}
		rows.Close()
		queue = append(queue, neighbors...)
	}
	return false, nil
}

// depthAboveTx returns the longest existing chain of edges that eventually
// depend on id (id appears as a subject, recursively upward).
func (s *Store) depthAboveTx(ctx context.Context, tx *sql.Tx, id string, guard int) (int, error) {
	if guard > MaxDependencyDepth+2 {
		return guard, nil
	}
	rows, err := tx.QueryContext(ctx, `SELECT observer_id FROM projection_dependencies WHERE subject_id = ?`, id)
	if err != nil {
		return 0, store.WrapDbError("depth above scan", err)
	}
	var parents []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, store.WrapDbError("depth above row", err)
		}
		parents = append(parents, p)
	}
	rows.Close()

	max := 0
	for _, p := range parents {
		d, err := s.depthAboveTx(ctx, tx, p, guard+1)
		if err != nil {
			return 0, err
		}
		if d+1 > max {
			max = d + 1
		}
	}
	return max, nil
}

// depthBelowTx returns the longest existing chain of edges starting at id
// (id depends on X depends on ..., recursively downward).
func (s *Store) depthBelowTx(ctx context.Context, tx *sql.Tx, id string, guard int) (int, error) {
	if guard > MaxDependencyDepth+2 {
		return guard, nil
	}
	rows, err := tx.QueryContext(ctx, `SELECT subject_id FROM projection_dependencies WHERE observer_id = ?`, id)
	if err != nil {
		return 0, store.WrapDbError("depth below scan", err)
	}
	var children []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			rows.Close()
			return 0, store.WrapDbError("depth below row", err)
		}
		children = append(children, c)
	}
	rows.Close()

	max := 0
	for _, c := range children {
		d, err := s.depthBelowTx(ctx, tx, c, guard+1)
		if err != nil {
			return 0, err
		}
		if d+1 > max {
			max = d + 1
		}
	}
	return max, nil
}

// GetUpcoming returns pending projections due within horizon_days, or with
// resolution='someday', sorted rows-with-a-time first ascending, nulls last.
func (s *Store) GetUpcoming(ctx context.Context, horizonDays int) ([]Projection, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, horizonDays).Format(timeLayout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, summary, raw_when, resolved_when, resolution, recurrence, trigger_on_fact, context, linked_ids, status, created_at, resolved_at
		FROM projections
		WHERE status = 'pending' AND (resolution = 'someday' OR resolved_when IS NULL OR resolved_when <= ?)
		ORDER BY (resolved_when IS NULL), resolved_when ASC
	`, cutoff)
	if err != nil {
		return nil, store.WrapDbError("get upcoming", err)
	}
	defer rows.Close()
	return scanProjections(rows)
}

// GetExactDue returns pending, resolution=exact projections whose
// resolved_when falls in (now-10min, now+window_minutes].
func (s *Store) GetExactDue(ctx context.Context, windowMinutes int) ([]Projection, error) {
	now := time.Now().UTC()
	lower := now.Add(-10 * time.Minute).Format(timeLayout)
	upper := now.Add(time.Duration(windowMinutes) * time.Minute).Format(timeLayout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, summary, raw_when, resolved_when, resolution, recurrence, trigger_on_fact, context, linked_ids, status, created_at, resolved_at
		FROM projections
		WHERE status = 'pending' AND resolution = 'exact' AND resolved_when > ? AND resolved_when <= ?
		ORDER BY resolved_when ASC
	`, lower, upper)
	if err != nil {
		return nil, store.WrapDbError("get exact due", err)
	}
	defer rows.Close()
	return scanProjections(rows)
}

// Resolve mutates a pending projection to status, returning false if it was
// not pending (or did not exist).
func (s *Store) Resolve(ctx context.Context, id string, status Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projections SET status = ?, resolved_at = datetime('now')
		WHERE id = ? AND status = 'pending'
	`, string(status), id)
	if err != nil {
		return false, store.WrapDbError("resolve", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Rearm re-enters a (presumably just-fired recurring) projection into
// pending with a new resolved_when and a cleared resolved_at.
func (s *Store) Rearm(ctx context.Context, id string, nextResolvedWhen time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projections SET status = 'pending', resolved_when = ?, resolved_at = NULL
		WHERE id = ?
	`, nextResolvedWhen.UTC().Format(timeLayout), id)
	if err != nil {
		return false, store.WrapDbError("rearm", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetDependencies lists dependency rows, optionally filtered by observer.
func (s *Store) GetDependencies(ctx context.Context, observerID string) ([]Dependency, error) {
	var rows *sql.Rows
	var err error
	if observerID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT id, observer_id, subject_id, condition, condition_type, created_at FROM projection_dependencies`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT id, observer_id, subject_id, condition, condition_type, created_at FROM projection_dependencies WHERE observer_id = ?`, observerID)
	}
	if err != nil {
		return nil, store.WrapDbError("get dependencies", err)
	}
	defer rows.Close()

	var out []Dependency
	for rows.Next() {
		var d Dependency
		var created string
		if err := rows.Scan(&d.ID, &d.ObserverID, &d.SubjectID, &d.Condition, &d.ConditionType, &created); err != nil {
			return nil, store.WrapDbError("scan dependency", err)
		}
		d.CreatedAt, _ = time.Parse(timeLayout, created)
		out = append(out, d)
	}
	return out, rows.Err()
}

// EvaluateDependencies runs the fixed-point activation loop (<=10 passes):
// a pending observer whose every dependency is satisfied is activated
// (resolved_when=now, resolution=exact) and its dependency rows removed.
// Stops early once a pass activates nothing; returns total activations.
func (s *Store) EvaluateDependencies(ctx context.Context) (int, error) {
	total := 0
	for pass := 0; pass < 10; pass++ {
		activated, err := s.evaluateDependenciesOnePass(ctx)
		if err != nil {
			return total, err
		}
		total += activated
		if activated == 0 {
			break
		}
	}
	return total, nil
}

func (s *Store) evaluateDependenciesOnePass(ctx context.Context) (int, error) {
	observers, err := s.distinctPendingObservers(ctx)
	if err != nil {
		return 0, err
	}

	activated := 0
	for _, observerID := range observers {
		deps, err := s.GetDependencies(ctx, observerID)
		if err != nil {
			return activated, err
		}
		if len(deps) == 0 {
			continue
		}
		allSatisfied := true
		for _, dep := range deps {
			ok, err := s.dependencySatisfied(ctx, dep)
			if err != nil {
				return activated, err
			}
			if !ok {
				allSatisfied = false
				break
			}
		}
		if !allSatisfied {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return activated, store.WrapDbError("evaluate:begin", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections SET resolved_when = datetime('now'), resolution = 'exact'
			WHERE id = ? AND status = 'pending'
		`, observerID); err != nil {
			tx.Rollback()
			return activated, store.WrapDbError("evaluate:activate", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM projection_dependencies WHERE observer_id = ?`, observerID); err != nil {
			tx.Rollback()
			return activated, store.WrapDbError("evaluate:clear deps", err)
		}
		if err := tx.Commit(); err != nil {
			return activated, store.WrapDbError("evaluate:commit", err)
		}
		activated++
	}
	return activated, nil
}

func (s *Store) distinctPendingObservers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT d.observer_id
		FROM projection_dependencies d
		JOIN projections p ON p.id = d.observer_id
		WHERE p.status = 'pending'
	`)
	if err != nil {
		return nil, store.WrapDbError("distinct observers", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, store.WrapDbError("scan observer", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) dependencySatisfied(ctx context.Context, dep Dependency) (bool, error) {
	switch dep.ConditionType {
	case ConditionStatusChange:
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM projections WHERE id = ?`, dep.SubjectID).Scan(&status)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, store.WrapDbError("dependency status lookup", err)
		}
		return status == dep.Condition, nil
	case ConditionLLM:
		// Per spec.md 4.A: unimplemented, always false. In practice
		// inferConditionType + the store-boundary rejection prevent this
		// condition type from ever being persisted; this branch exists for
		// defense in depth against rows inserted before that rejection was
		// in place.
		return false, nil
	default:
		return false, nil
	}
}

func scanProjections(rows *sql.Rows) ([]Projection, error) {
	var out []Projection
	for rows.Next() {
		p, err := scanProjectionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProjectionRow(rows *sql.Rows) (Projection, error) {
	var p Projection
	var resolvedWhen, recurrence, triggerOnFact, createdAt, resolvedAt sql.NullString
	var linkedIDsJSON string
	var resolution, status string
	if err := rows.Scan(&p.ID, &p.Summary, &p.RawWhen, &resolvedWhen, &resolution, &recurrence, &triggerOnFact, &p.Context, &linkedIDsJSON, &status, &createdAt, &resolvedAt); err != nil {
		return p, store.WrapDbError("scan projection", err)
	}
	p.Resolution = Resolution(resolution)
	p.Status = Status(status)
	if resolvedWhen.Valid {
		t, err := time.Parse(timeLayout, resolvedWhen.String)
		if err == nil {
			p.ResolvedWhen = &t
		}
	}
	if recurrence.Valid {
		v := recurrence.String
		p.Recurrence = &v
	}
	if triggerOnFact.Valid {
		v := triggerOnFact.String
		p.TriggerOnFact = &v
	}
	if createdAt.Valid {
		t, _ := time.Parse(timeLayout, createdAt.String)
		p.CreatedAt = t
	}
	if resolvedAt.Valid {
		t, err := time.Parse(timeLayout, resolvedAt.String)
		if err == nil {
			p.ResolvedAt = &t
		}
	}
	_ = json.Unmarshal([]byte(linkedIDsJSON), &p.LinkedIDs)
	return p, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

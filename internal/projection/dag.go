package projection

import (
	"database/sql"
	"fmt"
)

// LinkDependency creates an observer→subject edge with the same validation
// as Add's DependsOn entries. When conditionType is empty it is inferred:
// terminal-status conditions use status_change, anything else is llm.
func (s *Store) LinkDependency(observerID, subjectID, condition, conditionType string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin link: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertDependencyTx(tx, observerID, DependencySpec{
		SubjectID:     subjectID,
		Condition:     condition,
		ConditionType: conditionType,
	}); err != nil {
		return 0, err
	}

	var id int64
	if err := tx.QueryRow(`SELECT last_insert_rowid()`).Scan(&id); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit link: %w", err)
	}
	return id, nil
}

// insertDependencyTx validates and inserts one edge inside an open
// transaction. The observer row must already exist in the transaction.
func (s *Store) insertDependencyTx(tx *sql.Tx, observerID string, dep DependencySpec) error {
	if dep.SubjectID == observerID {
		return &InvariantError{Reason: "projection cannot depend on itself"}
	}

	var exists int
	err := tx.QueryRow(`SELECT COUNT(*) FROM projections WHERE id = ?`, dep.SubjectID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check subject: %w", err)
	}
	if exists == 0 {
		return &InvariantError{Reason: fmt.Sprintf("dependency subject %s does not exist", dep.SubjectID)}
	}

	edges, err := loadEdgesTx(tx)
	if err != nil {
		return err
	}
	edges[observerID] = append(edges[observerID], dep.SubjectID)

	if hasPath(edges, dep.SubjectID, observerID) {
		return &InvariantError{Reason: "Dependency cycle detected"}
	}
	if depth := chainDepthThrough(edges, observerID); depth > maxChainDepth {
		return &InvariantError{Reason: fmt.Sprintf("dependency chain too deep (%d > %d)", depth, maxChainDepth)}
	}

	condType := dep.ConditionType
	if condType == "" {
		switch dep.Condition {
		case StatusDone, StatusCancelled, StatusPassed:
			condType = ConditionStatusChange
		default:
			condType = ConditionLLM
		}
	}

	_, err = tx.Exec(`
		INSERT INTO projection_dependencies
			(observer_id, subject_id, condition, condition_type, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		observerID, dep.SubjectID, dep.Condition, condType, s.sqlNow())
	if err != nil {
		return fmt.Errorf("insert dependency: %w", err)
	}
	return nil
}

// GetDependencies returns all edges, or only the observer's outgoing edges
// when observerID is non-empty.
func (s *Store) GetDependencies(observerID string) ([]Dependency, error) {
	query := `SELECT id, observer_id, subject_id, condition, condition_type, created_at
		FROM projection_dependencies`
	args := []any{}
	if observerID != "" {
		query += ` WHERE observer_id = ?`
		args = append(args, observerID)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get dependencies: %w", err)
	}
	defer rows.Close()

	var out []Dependency
	for rows.Next() {
		var d Dependency
		if err := rows.Scan(&d.ID, &d.ObserverID, &d.SubjectID, &d.Condition, &d.ConditionType, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// EvaluateDependencies runs the fixed-point activation loop: any pending
// observer whose every dependency is satisfied is activated (resolved_when ←
// now, resolution ← exact) and its edges removed. Activating one observer can
// satisfy another, so passes repeat until quiescent, capped at 10 iterations.
// Returns the total number of activations.
func (s *Store) EvaluateDependencies() (int, error) {
	total := 0
	for pass := 0; pass < 10; pass++ {
		activated, err := s.evaluatePass()
		if err != nil {
			return total, err
		}
		if activated == 0 {
			break
		}
		total += activated
	}
	return total, nil
}

func (s *Store) evaluatePass() (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin evaluate: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT d.observer_id, d.condition, d.condition_type, p.status
		FROM projection_dependencies d
		JOIN projections p ON p.id = d.subject_id
		JOIN projections o ON o.id = d.observer_id
		WHERE o.status = ?`, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("query dependencies: %w", err)
	}

	satisfied := map[string]bool{}
	for rows.Next() {
		var observerID, condition, condType, subjectStatus string
		if err := rows.Scan(&observerID, &condition, &condType, &subjectStatus); err != nil {
			rows.Close()
			return 0, err
		}
		ok := condType == ConditionStatusChange && subjectStatus == condition
		// llm conditions have no evaluator yet and never satisfy.
		if cur, seen := satisfied[observerID]; seen {
			satisfied[observerID] = cur && ok
		} else {
			satisfied[observerID] = ok
		}
	}
	rows.Close()

	activated := 0
	nowStr := s.sqlNow()
	for observerID, ok := range satisfied {
		if !ok {
			continue
		}
		res, err := tx.Exec(`
			UPDATE projections SET resolved_when = ?, resolution = ?
			WHERE id = ? AND status = ?`,
			nowStr, ResolutionExact, observerID, StatusPending)
		if err != nil {
			return 0, fmt.Errorf("activate observer: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		if _, err := tx.Exec(`DELETE FROM projection_dependencies WHERE observer_id = ?`, observerID); err != nil {
			return 0, fmt.Errorf("clear dependencies: %w", err)
		}
		activated++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit evaluate: %w", err)
	}
	return activated, nil
}

func loadEdgesTx(tx *sql.Tx) (map[string][]string, error) {
	rows, err := tx.Query(`SELECT observer_id, subject_id FROM projection_dependencies`)
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	defer rows.Close()

	edges := map[string][]string{}
	for rows.Next() {
		var o, s string
		if err := rows.Scan(&o, &s); err != nil {
			return nil, err
		}
		edges[o] = append(edges[o], s)
	}
	return edges, rows.Err()
}

// hasPath reports whether dst is reachable from src over observer→subject
// edges.
func hasPath(edges map[string][]string, src, dst string) bool {
	if src == dst {
		return true
	}
	seen := map[string]bool{src: true}
	stack := []string{src}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range edges[cur] {
			if next == dst {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// chainDepthThrough returns the length in nodes of the longest chain passing
// through node: longest path ending at node plus longest path starting from
// node. The graph is acyclic when called (cycle check runs first).
func chainDepthThrough(edges map[string][]string, node string) int {
	reverse := map[string][]string{}
	for o, subs := range edges {
		for _, s := range subs {
			reverse[s] = append(reverse[s], o)
		}
	}
	down := longestFrom(edges, node, map[string]int{})
	up := longestFrom(reverse, node, map[string]int{})
	return down + up + 1
}

func longestFrom(edges map[string][]string, node string, memo map[string]int) int {
	if d, ok := memo[node]; ok {
		return d
	}
	best := 0
	for _, next := range edges[node] {
		if d := longestFrom(edges, next, memo) + 1; d > best {
			best = d
		}
	}
	memo[node] = best
	return best
}

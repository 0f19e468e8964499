package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/docforge/docforge/internal/names"
)

// PriorityRule maps a package name pattern to a queue priority. Patterns use
// SQLite GLOB syntax ('*' and '?' wildcards); the oldest matching rule wins.
type PriorityRule struct {
	ID       int64
	Pattern  string
	Priority int
}

// PriorityForPackage returns the priority of the first matching rule and
// whether any rule matched.
func (d *DB) PriorityForPackage(ctx context.Context, name string) (int, bool, error) {
	var priority int
	err := d.QueryRowContext(ctx,
		`SELECT priority FROM priority_rules WHERE ? GLOB pattern ORDER BY id ASC LIMIT 1`,
		names.Normalize(name),
	).Scan(&priority)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("priority lookup %s: %w", name, err)
	}
	return priority, true, nil
}

// SetPriorityRule creates or updates the rule for a pattern.
func (d *DB) SetPriorityRule(ctx context.Context, pattern string, priority int) error {
	if pattern == "" {
		return errors.New("priority rule pattern must not be empty")
	}
	_, err := d.ExecContext(ctx,
		`INSERT INTO priority_rules (pattern, priority) VALUES (?, ?)
         ON CONFLICT (pattern) DO UPDATE SET priority = excluded.priority`,
		pattern, priority,
	)
	if err != nil {
		return fmt.Errorf("set priority rule %s: %w", pattern, err)
	}
	return nil
}

// RemovePriorityRule deletes the rule for a pattern, returning its priority.
func (d *DB) RemovePriorityRule(ctx context.Context, pattern string) (int, error) {
	var priority int
	err := d.QueryRowContext(ctx,
		`DELETE FROM priority_rules WHERE pattern = ? RETURNING priority`, pattern,
	).Scan(&priority)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("remove priority rule %s: no such pattern", pattern)
	}
	if err != nil {
		return 0, fmt.Errorf("remove priority rule %s: %w", pattern, err)
	}
	return priority, nil
}

// ListPriorityRules returns all rules in match order.
func (d *DB) ListPriorityRules(ctx context.Context) ([]PriorityRule, error) {
	rows, err := d.QueryContext(ctx,
		`SELECT id, pattern, priority FROM priority_rules ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list priority rules: %w", err)
	}
	defer rows.Close()

	var rules []PriorityRule
	for rows.Next() {
		var rule PriorityRule
		if err := rows.Scan(&rule.ID, &rule.Pattern, &rule.Priority); err != nil {
			return nil, fmt.Errorf("scan priority rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

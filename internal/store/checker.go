package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Check verifies the connection, the presence of the required tables and, on
// MySQL, the privileges the watcher needs.
func (s *Store) Check(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s server: %w", s.dialect, err)
	}

	if err := s.checkTables(ctx); err != nil {
		return err
	}

	if s.dialect == DialectMySQL {
		if err := s.checkGrants(ctx); err != nil {
			return err
		}
	}

	s.logger.Info("Store connection and tables verified")
	return nil
}

func (s *Store) checkTables(ctx context.Context) error {
	var query string
	switch s.dialect {
	case DialectMySQL:
		query = `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = DATABASE()`
	case DialectSQLite:
		query = `SELECT name FROM sqlite_master WHERE type = 'table'`
	default:
		return fmt.Errorf("unsupported dialect: %s", s.dialect)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		present[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tables: %w", err)
	}

	var missing []string
	for _, table := range requiredTables {
		if !present[table] {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required tables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (s *Store) checkGrants(ctx context.Context) error {
	var database sql.NullString
	if err := s.db.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&database); err != nil {
		return fmt.Errorf("failed to read current database: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		rows, err = s.db.QueryContext(ctx, "SHOW GRANTS")
		if err != nil {
			return fmt.Errorf("failed to check grants: %w", err)
		}
	}
	defer rows.Close()

	var grants []string
	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating grants: %w", err)
	}

	return checkPrivileges(grants, database.String)
}

// checkPrivileges reports the privileges missing from SHOW GRANTS lines that
// apply to database. Only global grants and grants on every table of the
// database count.
func checkPrivileges(grants []string, database string) error {
	have := make(map[string]bool)
	for _, grant := range grants {
		privileges, target, ok := parseGrant(grant)
		if !ok || !grantCovers(target, database) {
			continue
		}
		for _, priv := range privileges {
			have[priv] = true
		}
	}
	if have["ALL PRIVILEGES"] || have["ALL"] {
		return nil
	}

	var missing []string
	for _, priv := range []string{"SELECT", "INSERT", "DELETE"} {
		if !have[priv] {
			missing = append(missing, priv)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required permissions on %s: %s. Current grants: %s",
			database, strings.Join(missing, ", "), strings.Join(grants, "; "))
	}
	return nil
}

// parseGrant splits "GRANT <privileges> ON <target> TO ..." into its parts.
// Role grants ("GRANT role TO user") have no target and are skipped.
func parseGrant(grant string) ([]string, string, bool) {
	upper := strings.ToUpper(grant)
	if !strings.HasPrefix(upper, "GRANT ") {
		return nil, "", false
	}
	on := strings.Index(upper, " ON ")
	to := strings.LastIndex(upper, " TO ")
	if on < 0 || to < on {
		return nil, "", false
	}

	var privileges []string
	for _, priv := range strings.Split(upper[len("GRANT "):on], ",") {
		priv = strings.TrimSpace(priv)
		// column-level grants like SELECT (col) only cover part of a table
		if priv == "" || strings.Contains(priv, "(") {
			continue
		}
		privileges = append(privileges, priv)
	}
	return privileges, strings.TrimSpace(grant[on+len(" ON ") : to]), true
}

func grantCovers(target, database string) bool {
	if target == "*.*" {
		return true
	}
	db, table, found := strings.Cut(target, ".")
	if !found || table != "*" {
		return false
	}
	return database != "" && strings.Trim(db, "`") == database
}

package chdb

import (
	"context"
	"embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

//go:embed ddl/*.sql
var ddlFS embed.FS

// EnsureSchema applies every embedded DDL statement in filename order.
// All statements are create-if-not-exists, so invoking this at every
// process start is safe.
func (c *Client) EnsureSchema(ctx context.Context) error {
	entries, err := ddlFS.ReadDir("ddl")
	if err != nil {
		return fmt.Errorf("read ddl dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		stmt, err := ddlFS.ReadFile("ddl/" + name)
		if err != nil {
			return fmt.Errorf("read ddl %s: %w", name, err)
		}
		if err := c.conn.Exec(ctx, string(stmt)); err != nil {
			return fmt.Errorf("apply ddl %s: %w", name, err)
		}
		c.logger.Debug().Str("ddl", name).Msg("applied schema statement")
	}
	return nil
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EnsureReadOnlyUser creates or updates a database account restricted to
// SELECT on both service databases. Idempotent.
func (c *Client) EnsureReadOnlyUser(ctx context.Context, name, password string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid read-only user name %q", name)
	}
	if password == "" {
		return fmt.Errorf("read-only user %s needs a password", name)
	}

	for _, stmt := range readOnlyUserStatements(name, password) {
		if err := c.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("provision read-only user %s: %w", name, err)
		}
	}
	c.logger.Info().Str("user", name).Msg("read-only user provisioned")
	return nil
}

func readOnlyUserStatements(name, password string) []string {
	pw := strings.ReplaceAll(password, `\`, `\\`)
	pw = strings.ReplaceAll(pw, `'`, `\'`)
	return []string{
		fmt.Sprintf("CREATE USER IF NOT EXISTS %s IDENTIFIED WITH sha256_password BY '%s'", name, pw),
		fmt.Sprintf("ALTER USER %s IDENTIFIED WITH sha256_password BY '%s'", name, pw),
		fmt.Sprintf("GRANT SELECT ON wsprnet.* TO %s", name),
		fmt.Sprintf("GRANT SELECT ON wsprdaemon.* TO %s", name),
	}
}

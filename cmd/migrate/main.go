package main

import (
	"bufio"
	"database/sql"
	"flag"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"voicemeter/internal/config"
	"voicemeter/internal/db"
	"voicemeter/internal/logging"
)

func main() {
	dir := flag.String("dir", "migrations", "Directory holding NNN_name.sql files")
	flag.Parse()
	cfg := config.Load()
	logger := logging.NewLogger(cfg.LogLevel)
	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.WithField("error", err).Fatal("failed to connect database")
	}
	defer database.Close()

	if _, err := database.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (filename text primary key, applied_at timestamptz default now())`); err != nil {
		logger.WithField("error", err).Fatal("failed to ensure schema_migrations")
	}

	files, err := filepath.Glob(filepath.Join(*dir, "*.sql"))
	if err != nil {
		logger.WithField("error", err).Fatal("failed to read migrations")
	}
	sort.Strings(files)

	for _, file := range files {
		filename := filepath.Base(file)
		var exists bool
		if err := database.Get(&exists, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, filename); err != nil {
			logger.WithField("error", err).Fatal("failed to read migration state")
		}
		if exists {
			continue
		}
		if err := applyFile(database, file); err != nil {
			logger.WithFields(logging.Fields{"file": filename, "error": err}).Fatal("failed to apply migration")
		}
		if _, err := database.Exec(`INSERT INTO schema_migrations (filename) VALUES ($1)`, filename); err != nil {
			logger.WithFields(logging.Fields{"file": filename, "error": err}).Fatal("failed to record migration")
		}
		logger.WithField("file", filename).Info("applied migration")
	}
}

func applyFile(db execer, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	sections := strings.Split(string(content), "-- +migrate Down")
	if len(sections) == 0 {
		return nil
	}
	up := sections[0]
	statements := splitSQL(up)
	for _, stmt := range statements {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func splitSQL(sqlText string) []string {
	var statements []string
	var current strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(sqlText))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		current.WriteString(line)
		current.WriteRune('\n')
		if strings.Contains(line, ";") {
			statements = append(statements, current.String())
			current.Reset()
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		statements = append(statements, current.String())
	}
	return statements
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

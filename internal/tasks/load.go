// Package tasks holds the built-in Go task bodies that pipelines can use in
// place of shell steps.
package tasks

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/aristath/ruleflow/internal/rule"
)

// LoadConfig describes where a load job writes its table.
type LoadConfig struct {
	Database      string // SQLite file, relative to the job directory
	Table         string
	RegexFilename string // first capture group becomes the track value
	Column        string // name of the track column, default "track"
}

// Load concatenates the tab-separated tables given as inputs and loads them
// into a single SQLite table, replacing any previous contents. Each row gets
// an extra column holding the track extracted from its source file name.
//
// The primary output, when declared, receives a short summary so that it can
// serve as the job's output file.
type Load struct {
	cfg LoadConfig
	re  *regexp.Regexp
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewLoad validates cfg and builds the body.
func NewLoad(cfg LoadConfig) (*Load, error) {
	if cfg.Database == "" {
		return nil, errors.New("load: database is required")
	}
	if !identPattern.MatchString(cfg.Table) {
		return nil, fmt.Errorf("load: invalid table name %q", cfg.Table)
	}
	if cfg.Column == "" {
		cfg.Column = "track"
	}
	if !identPattern.MatchString(cfg.Column) {
		return nil, fmt.Errorf("load: invalid column name %q", cfg.Column)
	}

	l := &Load{cfg: cfg}
	if cfg.RegexFilename != "" {
		re, err := regexp.Compile(cfg.RegexFilename)
		if err != nil {
			return nil, fmt.Errorf("load: regex_filename: %w", err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("load: regex_filename %q has no capture group", cfg.RegexFilename)
		}
		l.re = re
	}
	return l, nil
}

// Config returns the load configuration.
func (l *Load) Config() LoadConfig { return l.cfg }

// Track returns the track value for a source file: the first capture group
// of the filename regex, or the base name up to the first dot.
func (l *Load) Track(path string) (string, error) {
	if l.re == nil {
		stem, _, _ := strings.Cut(filepath.Base(path), ".")
		return stem, nil
	}
	m := l.re.FindStringSubmatch(path)
	if m == nil {
		return "", fmt.Errorf("%s does not match %s", path, l.re)
	}
	return m[1], nil
}

// table is the concatenation of every input.
type table struct {
	columns []string
	index   map[string]int
	rows    [][]any
}

func (t *table) column(name string) int {
	if i, ok := t.index[name]; ok {
		return i
	}
	t.index[name] = len(t.columns)
	t.columns = append(t.columns, name)
	for i := range t.rows {
		t.rows[i] = append(t.rows[i], nil)
	}
	return len(t.columns) - 1
}

// Run implements rule.TaskBody.
func (l *Load) Run(ctx context.Context, tc *rule.TaskContext) error {
	t := &table{index: make(map[string]int)}
	t.column(l.cfg.Column)

	for _, in := range tc.Inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		track, err := l.Track(in)
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		if err := t.read(resolve(tc.Dir, in), track); err != nil {
			return fmt.Errorf("load %s: %w", in, err)
		}
	}

	dbPath := resolve(tc.Dir, l.cfg.Database)
	if err := writeTable(ctx, dbPath, l.cfg.Table, l.cfg.Column, t); err != nil {
		return fmt.Errorf("load into %s: %w", l.cfg.Database, err)
	}
	if tc.Logger != nil {
		tc.Logger.Info("table loaded", "database", l.cfg.Database, "table", l.cfg.Table,
			"rows", len(t.rows), "files", len(tc.Inputs))
	}

	if len(tc.Outputs) > 0 {
		summary := fmt.Sprintf("database\t%s\ntable\t%s\nrows\t%d\nfiles\t%d\n",
			l.cfg.Database, l.cfg.Table, len(t.rows), len(tc.Inputs))
		if err := os.WriteFile(resolve(tc.Dir, tc.Outputs[0]), []byte(summary), 0o644); err != nil {
			return fmt.Errorf("write load summary: %w", err)
		}
	}
	return nil
}

// read appends the rows of one tab-separated file. The first non-comment
// line is the header.
func (t *table) read(path, track string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.Comment = '#'
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	cols := make([]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("header column %d is empty", i+1)
		}
		cols[i] = t.column(name)
	}

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		row := make([]any, len(t.columns))
		row[0] = track
		for i, v := range rec {
			row[cols[i]] = value(v)
		}
		t.rows = append(t.rows, row)
	}
}

// value converts a field to the narrowest SQLite type it parses as. Empty
// fields and "NA" become NULL.
func value(s string) any {
	s = strings.TrimSpace(s)
	if s == "" || s == "NA" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// dbLocks serializes load jobs writing to the same database file within
// this process; SQLite's busy timeout covers other processes.
var dbLocks sync.Map

func writeTable(ctx context.Context, path, name, track string, t *table) error {
	mu, _ := dbLocks.LoadOrStore(path, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	quoted := make([]string, len(t.columns))
	for i, c := range t.columns {
		quoted[i] = quote(c)
	}
	stmts := []string{
		"DROP TABLE IF EXISTS " + quote(name),
		fmt.Sprintf("CREATE TABLE %s (%s)", quote(name), strings.Join(quoted, ", ")),
		fmt.Sprintf("CREATE INDEX %s ON %s (%s)", quote(name+"_"+track), quote(name), quote(track)),
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return err
		}
	}

	insert, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(name), strings.Join(quoted, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(quoted)), ", ")))
	if err != nil {
		return err
	}
	defer insert.Close()

	for _, row := range t.rows {
		if _, err := insert.ExecContext(ctx, row...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func resolve(dir, p string) string {
	if dir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

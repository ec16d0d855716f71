package tasks

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aristath/ruleflow/internal/rule"
)

func writeTSV(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestNewLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LoadConfig
		wantErr bool
	}{
		{"valid", LoadConfig{Database: "db.sqlite", Table: "counts"}, false},
		{"no database", LoadConfig{Table: "counts"}, true},
		{"bad table", LoadConfig{Database: "db", Table: "drop table;"}, true},
		{"bad column", LoadConfig{Database: "db", Table: "t", Column: "a-b"}, true},
		{"bad regex", LoadConfig{Database: "db", Table: "t", RegexFilename: "("}, true},
		{"no group", LoadConfig{Database: "db", Table: "t", RegexFilename: `.*\.counts`}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoad(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewLoad() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_Track(t *testing.T) {
	withRegex, _ := NewLoad(LoadConfig{Database: "db", Table: "t", RegexFilename: `.*/(.*)\.counts`})
	plain, _ := NewLoad(LoadConfig{Database: "db", Table: "t"})

	if got, err := withRegex.Track("count.dir/s1.counts"); err != nil || got != "s1" {
		t.Errorf("Track() = %q, %v", got, err)
	}
	if _, err := withRegex.Track("s1.tsv"); err == nil {
		t.Error("expected error for a non-matching file")
	}
	if got, _ := plain.Track("count.dir/s2.counts.tsv"); got != "s2" {
		t.Errorf("Track() = %q, want s2", got)
	}
}

func TestLoad_Run(t *testing.T) {
	dir := t.TempDir()
	writeTSV(t, dir, "count.dir/s1.counts", "gene\tcount\n# comment\nA\t10\nB\t2.5\n")
	writeTSV(t, dir, "count.dir/s2.counts", "gene\tcount\tflag\nA\t7\tx\nC\tNA\ty\n")
	writeTSV(t, dir, "count.dir/s3.counts", "")

	body, err := NewLoad(LoadConfig{
		Database:      "csvdb",
		Table:         "counts",
		RegexFilename: `.*/(.*)\.counts`,
		Column:        "sample_id",
	})
	if err != nil {
		t.Fatal(err)
	}

	tc := &rule.TaskContext{
		Dir:     dir,
		Inputs:  []string{"count.dir/s1.counts", "count.dir/s2.counts", "count.dir/s3.counts"},
		Outputs: []string{"counts.load"},
	}
	if err := body.Run(context.Background(), tc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	summary, err := os.ReadFile(filepath.Join(dir, "counts.load"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(summary), "rows\t4") {
		t.Errorf("summary = %q", summary)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "csvdb"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM counts WHERE sample_id = 's2'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("s2 rows = %d, want 2", n)
	}

	var count float64
	if err := db.QueryRow(`SELECT count FROM counts WHERE sample_id = 's1' AND gene = 'B'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2.5 {
		t.Errorf("count = %v, want 2.5", count)
	}

	var flag sql.NullString
	if err := db.QueryRow(`SELECT flag FROM counts WHERE sample_id = 's1' AND gene = 'A'`).Scan(&flag); err != nil {
		t.Fatal(err)
	}
	if flag.Valid {
		t.Errorf("flag for s1 = %q, want NULL", flag.String)
	}

	var missing sql.NullInt64
	if err := db.QueryRow(`SELECT count FROM counts WHERE gene = 'C'`).Scan(&missing); err != nil {
		t.Fatal(err)
	}
	if missing.Valid {
		t.Error("NA should load as NULL")
	}

	// Loading again replaces the table.
	tc.Inputs = tc.Inputs[:1]
	if err := body.Run(context.Background(), tc); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM counts`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("rows after reload = %d, want 2", n)
	}
}

func TestLoad_MissingInput(t *testing.T) {
	body, _ := NewLoad(LoadConfig{Database: "db", Table: "t"})
	err := body.Run(context.Background(), &rule.TaskContext{Dir: t.TempDir(), Inputs: []string{"nope.tsv"}})
	if err == nil {
		t.Fatal("expected error for a missing input")
	}
}

func TestValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"", nil},
		{"NA", nil},
		{"42", int64(42)},
		{"-1.5", -1.5},
		{"1e3", 1000.0},
		{"chr1", "chr1"},
		{" 7 ", int64(7)},
	}
	for _, tt := range tests {
		if got := value(tt.in); got != tt.want {
			t.Errorf("value(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

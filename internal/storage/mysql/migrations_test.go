package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"testing/fstest"

	"OpenMEE-Chain/internal/storage/mysql/mysqltest"
)

func TestMigrateAppliesPendingFiles(t *testing.T) {
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("expected embedded migrations")
	}

	ops := []mysqltest.Op{
		mysqltest.Exec(SchemaMigrationsDDL, mysqltest.Result{}),
		mysqltest.Query(`SELECT version FROM schema_migrations`, mysqltest.Rows{Columns: []string{"version"}}),
	}
	for _, file := range files {
		ops = append(ops, mysqltest.Begin())
		for _, stmt := range file.statements {
			ops = append(ops, mysqltest.Exec(stmt, mysqltest.Result{}))
		}
		ops = append(ops,
			mysqltest.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mysqltest.Result{Affected: 1}),
			mysqltest.Commit(),
		)
	}
	db, drv := mysqltest.NewDB(t, ops...)

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	applied := mysqltest.Rows{Columns: []string{"version"}}
	for _, file := range files {
		applied.Values = append(applied.Values, []driver.Value{file.version})
	}
	db, drv := mysqltest.NewDB(t,
		mysqltest.Exec(SchemaMigrationsDDL, mysqltest.Result{}),
		mysqltest.Query(`SELECT version FROM schema_migrations`, applied),
	)

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMigrateRollsBackFailedStatement(t *testing.T) {
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	boom := errors.New("syntax error")
	db, drv := mysqltest.NewDB(t,
		mysqltest.Exec(SchemaMigrationsDDL, mysqltest.Result{}),
		mysqltest.Query(`SELECT version FROM schema_migrations`, mysqltest.Rows{Columns: []string{"version"}}),
		mysqltest.Begin(),
		mysqltest.Exec(files[0].statements[0], mysqltest.Result{}).WithErr(boom),
		mysqltest.Rollback(),
	)

	err = Migrate(context.Background(), db)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped statement error, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestLoadMigrationFilesOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_add_index.sql": {Data: []byte("CREATE INDEX a ON t (b);")},
		"0001_create.sql":    {Data: []byte("CREATE TABLE t (b INT);\n\nINSERT INTO t VALUES (1);")},
		"0003_empty.sql":     {Data: []byte(" ;\n ")},
		"README.md":          {Data: []byte("not sql")},
	}
	files, err := loadMigrationFiles(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected order: %s, %s", files[0].version, files[1].version)
	}
	if len(files[0].statements) != 2 {
		t.Fatalf("expected 2 statements, got %q", files[0].statements)
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestOpenPingsScriptedDriver(t *testing.T) {
	name, drv := mysqltest.Register()
	db, err := Open(context.Background(), Config{Driver: name, MaxOpenConns: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if got := db.Stats().MaxOpenConnections; got != 2 {
		t.Fatalf("expected pool size 2, got %d", got)
	}
	drv.AssertConsumed(t)
}

package sqlbackend_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"

	sqlbackend "github.com/jacentio/strata/backend/sql"
	"github.com/jacentio/strata/orm"
)

func newMock(t *testing.T, cfg sqlbackend.Config) (pgxmock.PgxPoolIface, *sqlbackend.Backend) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("create mock: %v", err)
	}
	db := sqlbackend.New(mock, cfg)
	mock.ExpectPing()
	if err := db.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return mock, db
}

func expectationsMet(t *testing.T, mock pgxmock.PgxPoolIface) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := sqlbackend.DefaultConfig()
	if cfg.MaxBulkRows != 500 {
		t.Errorf("expected MaxBulkRows 500, got %d", cfg.MaxBulkRows)
	}
}

func TestNotConnected(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("create mock: %v", err)
	}
	db := sqlbackend.New(mock, sqlbackend.DefaultConfig())
	books := newBooks()

	_, err = db.Execute(context.Background(), orm.NewQueryState(books))
	if !errors.Is(err, orm.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if db.Name() != "postgres" {
		t.Errorf("expected name postgres, got %q", db.Name())
	}
}

func TestConnectPings(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("create mock: %v", err)
	}
	db := sqlbackend.New(mock, sqlbackend.DefaultConfig())
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	if err := db.Connect(context.Background()); err == nil {
		t.Error("expected the failed ping to fail Connect")
	}
	if db.Connected() {
		t.Error("expected the backend to stay disconnected")
	}
	expectationsMet(t, mock)
}

func TestCreateReturnsKey(t *testing.T) {
	mock, db := newMock(t, sqlbackend.DefaultConfig())
	books := newBooks()

	mock.ExpectQuery(`INSERT INTO "public"."books" ("title", "pages") VALUES ($1, $2) RETURNING "id"`).
		WithArgs("Go", int64(120)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	inst, err := books.Objects(db).Create(context.Background(), map[string]any{"title": "Go", "pages": 120})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst.PK() != int64(7) {
		t.Errorf("expected pk 7, got %v", inst.PK())
	}
	if !inst.Persisted() {
		t.Error("expected instance to be persisted")
	}
	expectationsMet(t, mock)
}

func TestUniqueViolation(t *testing.T) {
	mock, db := newMock(t, sqlbackend.DefaultConfig())
	books := newBooks()

	mock.ExpectQuery(`INSERT INTO "public"."books" ("title") VALUES ($1) RETURNING "id"`).
		WithArgs("Go").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "books_title_key"})

	_, err := books.Objects(db).Create(context.Background(), map[string]any{"title": "Go"})
	if !errors.Is(err, orm.ErrConstraintViolation) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	var cv *orm.ConstraintViolationError
	if !errors.As(err, &cv) || cv.Field != "title" || cv.Table != "books" {
		t.Errorf("expected violation on books.title, got %+v", cv)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Error("expected native PgError in chain")
	}
	expectationsMet(t, mock)
}

func TestFetch(t *testing.T) {
	mock, db := newMock(t, sqlbackend.DefaultConfig())
	books := newBooks()

	mock.ExpectQuery(selectBooks + ` WHERE "public"."books"."title" ILIKE $1`).
		WithArgs("%go%").
		WillReturnRows(pgxmock.NewRows([]string{"id", "title", "pages"}).
			AddRow(int64(1), "Go", int64(100)).
			AddRow(int64(2), "Going", nil))

	insts, err := books.Objects(db).Filter(orm.Lookups{"title__icontains": "go"}).Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(insts) != 2 {
		t.Fatalf("expected 2 books, got %d", len(insts))
	}
	if insts[1].Get("title") != "Going" || insts[1].Get("pages") != nil {
		t.Errorf("expected second book Going with no pages, got %v", insts[1].Values())
	}
	expectationsMet(t, mock)
}

func TestCountAndAggregate(t *testing.T) {
	mock, db := newMock(t, sqlbackend.DefaultConfig())
	books := newBooks()
	ctx := context.Background()

	mock.ExpectQuery(`SELECT COUNT(*) FROM "public"."books"`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))
	mock.ExpectQuery(`SELECT CAST(SUM("public"."books"."pages") AS DOUBLE PRECISION) AS "pages__sum" FROM "public"."books"`).
		WillReturnRows(pgxmock.NewRows([]string{"pages__sum"}).AddRow(float64(300)))

	n, err := books.Objects(db).All().Count(ctx)
	if err != nil || n != 3 {
		t.Errorf("expected count 3, got %d (err=%v)", n, err)
	}
	res, err := books.Objects(db).All().Aggregate(ctx, orm.Sum("pages"))
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if res["pages__sum"] != float64(300) {
		t.Errorf("expected sum 300, got %v", res["pages__sum"])
	}
	expectationsMet(t, mock)
}

func TestExistsAndGetByKey(t *testing.T) {
	mock, db := newMock(t, sqlbackend.DefaultConfig())
	books := newBooks()
	ctx := context.Background()

	mock.ExpectQuery(`SELECT EXISTS (SELECT 1 FROM "public"."books" WHERE "public"."books"."id" = $1)`).
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(selectBooks + ` WHERE "public"."books"."id" = $1`).
		WithArgs(int64(8)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "title", "pages"}))

	ok, err := db.Exists(ctx, books, 7)
	if err != nil || !ok {
		t.Errorf("expected book 7 to exist, got %v (err=%v)", ok, err)
	}
	_, err = db.GetByKey(ctx, books, 8)
	if !errors.Is(err, orm.ErrDoesNotExist) {
		t.Errorf("expected ErrDoesNotExist, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestUpdateInTransaction(t *testing.T) {
	mock, db := newMock(t, sqlbackend.DefaultConfig())
	books := newBooks()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "public"."books" SET "title" = $1, "pages" = $2 WHERE "public"."books"."id" = $3`).
		WithArgs("Go 2", int64(120), int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	inst, err := books.Hydrate(orm.Row{"id": int64(7), "title": "Go", "pages": int64(120)}, db)
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	err = orm.Atomic(ctx, db, func(tx orm.Transaction) error {
		if err := inst.Bind(tx).Set("title", "Go 2"); err != nil {
			return err
		}
		return inst.Save(ctx)
	})
	if err != nil {
		t.Fatalf("atomic: %v", err)
	}
	expectationsMet(t, mock)
}

func TestRollbackOnError(t *testing.T) {
	mock, db := newMock(t, sqlbackend.DefaultConfig())
	books := newBooks()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "public"."books" WHERE "public"."books"."id" = $1`).
		WithArgs(int64(7)).
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	inst, _ := books.Hydrate(orm.Row{"id": int64(7), "title": "Go"}, db)
	err := orm.Atomic(ctx, db, func(tx orm.Transaction) error {
		return inst.Bind(tx).Delete(ctx)
	})
	if err == nil || err.Error() != "boom" {
		t.Errorf("expected boom, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestTransactionDone(t *testing.T) {
	mock, db := newMock(t, sqlbackend.DefaultConfig())
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectCommit()

	tx, err := db.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tx.Commit(ctx); !errors.Is(err, orm.ErrTransactionDone) {
		t.Errorf("expected ErrTransactionDone on second commit, got %v", err)
	}
	if err := tx.Rollback(ctx); !errors.Is(err, orm.ErrTransactionDone) {
		t.Errorf("expected ErrTransactionDone on rollback after commit, got %v", err)
	}
	if tx.Connected() {
		t.Error("expected committed transaction to report disconnected")
	}
	expectationsMet(t, mock)
}

func TestUpdateMissingRow(t *testing.T) {
	mock, db := newMock(t, sqlbackend.DefaultConfig())
	books := newBooks()

	mock.ExpectExec(`UPDATE "public"."books" SET "title" = $1 WHERE "public"."books"."id" = $2`).
		WithArgs("Go", int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	inst, _ := books.Hydrate(orm.Row{"id": int64(9), "title": "Go"}, db)
	if err := db.Update(context.Background(), inst); !errors.Is(err, orm.ErrDoesNotExist) {
		t.Errorf("expected ErrDoesNotExist, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestBulkInsertChunks(t *testing.T) {
	mock, db := newMock(t, sqlbackend.Config{MaxBulkRows: 2})
	books := newBooks()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "public"."books" ("title") VALUES ($1), ($2) RETURNING "id"`).
		WithArgs("a", "b").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)))
	mock.ExpectQuery(`INSERT INTO "public"."books" ("title") VALUES ($1) RETURNING "id"`).
		WithArgs("c").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectCommit()

	insts, err := books.Objects(db).BulkCreate(context.Background(), []map[string]any{
		{"title": "a"}, {"title": "b"}, {"title": "c"},
	})
	if err != nil {
		t.Fatalf("bulk create: %v", err)
	}
	for i, inst := range insts {
		if inst.PK() != int64(i+1) {
			t.Errorf("expected pk %d, got %v", i+1, inst.PK())
		}
	}
	expectationsMet(t, mock)
}

func TestUpdateAndDeleteMany(t *testing.T) {
	mock, db := newMock(t, sqlbackend.DefaultConfig())
	books := newBooks()
	ctx := context.Background()

	mock.ExpectExec(`UPDATE "public"."books" SET "pages" = $1 WHERE "public"."books"."title" = $2`).
		WithArgs(int64(3), "a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(`DELETE FROM "public"."books" WHERE "public"."books"."pages" < $1`).
		WithArgs(int64(10)).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	n, err := books.Objects(db).Filter(orm.Lookups{"title": "a"}).Update(ctx, map[string]any{"pages": 3})
	if err != nil || n != 2 {
		t.Errorf("expected 2 updated, got %d (err=%v)", n, err)
	}
	n, err = books.Objects(db).Filter(orm.Lookups{"pages__lt": 10}).Delete(ctx)
	if err != nil || n != 4 {
		t.Errorf("expected 4 deleted, got %d (err=%v)", n, err)
	}
	expectationsMet(t, mock)
}

func TestSchemaEditorCreateTable(t *testing.T) {
	mock, db := newMock(t, sqlbackend.DefaultConfig())
	books := newBooks()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE "public"."books" ("id" BIGSERIAL PRIMARY KEY, "title" TEXT NOT NULL, "pages" BIGINT)`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCommit()

	if err := db.SchemaEditor().CreateTable(context.Background(), books); err != nil {
		t.Fatalf("create table: %v", err)
	}
	expectationsMet(t, mock)
}

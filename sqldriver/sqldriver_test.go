package sqldriver_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberdb/ember"
	"github.com/emberdb/ember/engine"
	"github.com/emberdb/ember/enginetest"
	"github.com/emberdb/ember/sqldriver"
)

// sessions maps data source names to the fake sessions tests script. The
// driver is registered once; each test plugs its session in under a unique
// name.
var sessions sync.Map

func init() {
	sqldriver.Register("embertest", func(ctx context.Context, dsn string) (engine.Session, error) {
		v, ok := sessions.Load(dsn)
		if !ok {
			return nil, fmt.Errorf("no session for dsn %q", dsn)
		}
		return v.(*enginetest.Session), nil
	})
}

func openDB(t *testing.T, sess *enginetest.Session) *sql.DB {
	t.Helper()
	dsn := t.Name()
	sessions.Store(dsn, sess)
	db, err := sql.Open("embertest", dsn)
	require.NoError(t, err)
	// one fake session per test; keep the pool at one conn so it is shared
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestQueryThroughDatabaseSQL(t *testing.T) {
	sess := enginetest.NewSession()
	sess.ScriptRows("SELECT ID, NAME FROM USERS",
		[]string{"ID", "NAME"},
		[]any{int64(1), "alice"},
		[]any{int64(2), "bob"},
	)
	db := openDB(t, sess)

	rows, err := db.Query("SELECT ID, NAME FROM USERS")
	require.NoError(t, err)
	defer rows.Close()

	var ids []int64
	var names []string
	for rows.Next() {
		var id int64
		var name string
		require.NoError(t, rows.Scan(&id, &name))
		ids = append(ids, id)
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []int64{1, 2}, ids)
	assert.Equal(t, []string{"alice", "bob"}, names)
}

func TestQueryTranslatesEscapes(t *testing.T) {
	sess := enginetest.NewSession()
	sess.ScriptRows("SELECT     UCASE(NAME)  FROM USERS", []string{"N"}, []any{"ALICE"})
	db := openDB(t, sess)

	var n string
	err := db.QueryRow("SELECT {fn UCASE(NAME)} FROM USERS").Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, "ALICE", n)
}

func TestExecReportsCountAndKeys(t *testing.T) {
	sess := enginetest.NewSession()
	query := "INSERT INTO USERS(NAME) VALUES(?)"
	sess.ScriptUpdateKeys(query, 1, []string{"ID"}, []any{int64(7)})
	db := openDB(t, sess)

	res, err := db.Exec(query, "carol")
	require.NoError(t, err)
	affected, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
}

func TestPreparedStatementReuse(t *testing.T) {
	sess := enginetest.NewSession()
	query := "UPDATE USERS SET NAME = ? WHERE ID = ?"
	sess.ScriptUpdate(query, 1)
	db := openDB(t, sess)

	stmt, err := db.Prepare(query)
	require.NoError(t, err)
	defer stmt.Close()

	for i := 0; i < 3; i++ {
		res, err := stmt.Exec("x", int64(i))
		require.NoError(t, err)
		n, err := res.RowsAffected()
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	}
}

func TestTransaction(t *testing.T) {
	sess := enginetest.NewSession()
	sess.ScriptUpdate("DELETE FROM USERS", 2)
	db := openDB(t, sess)

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.Exec("DELETE FROM USERS")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Contains(t, sess.Executed(), "COMMIT")
}

func TestTransactionRollback(t *testing.T) {
	sess := enginetest.NewSession()
	sess.ScriptUpdate("DELETE FROM USERS", 2)
	db := openDB(t, sess)

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.Exec("DELETE FROM USERS")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	assert.Contains(t, sess.Executed(), "ROLLBACK")
}

func TestNamedArgsRejected(t *testing.T) {
	sess := enginetest.NewSession()
	db := openDB(t, sess)

	_, err := db.Exec("UPDATE USERS SET NAME = ? WHERE ID = ?",
		sql.Named("name", "x"), sql.Named("id", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ember.ErrInvalidArgument)
}

func TestReadOnlyTxRejected(t *testing.T) {
	sess := enginetest.NewSession()
	db := openDB(t, sess)

	_, err := db.BeginTx(context.Background(), &sql.TxOptions{ReadOnly: true})
	assert.ErrorIs(t, err, ember.ErrInvalidArgument)
}

func TestMalformedEscapeSurfaces(t *testing.T) {
	sess := enginetest.NewSession()
	db := openDB(t, sess)

	_, err := db.Query("SELECT {fn f()")
	assert.ErrorIs(t, err, ember.ErrUnbalancedEscape)
}

type user struct {
	ID   int64  `db:"ID"`
	Name string `db:"NAME"`
}

func TestSqlxStructScan(t *testing.T) {
	sess := enginetest.NewSession()
	sess.ScriptRows("SELECT ID, NAME FROM USERS",
		[]string{"ID", "NAME"},
		[]any{int64(1), "alice"},
		[]any{int64(2), "bob"},
	)
	db := openDB(t, sess)
	dbx := sqlx.NewDb(db, "embertest")

	var users []user
	require.NoError(t, dbx.Select(&users, "SELECT ID, NAME FROM USERS"))
	require.Len(t, users, 2)
	assert.Equal(t, user{ID: 1, Name: "alice"}, users[0])
	assert.Equal(t, user{ID: 2, Name: "bob"}, users[1])
}

func TestSqlxGet(t *testing.T) {
	sess := enginetest.NewSession()
	sess.ScriptRows("SELECT ID, NAME FROM USERS WHERE ID = ?",
		[]string{"ID", "NAME"},
		[]any{int64(1), "alice"},
	)
	db := openDB(t, sess)
	dbx := sqlx.NewDb(db, "embertest")

	var u user
	require.NoError(t, dbx.Get(&u, "SELECT ID, NAME FROM USERS WHERE ID = ?", int64(1)))
	assert.Equal(t, user{ID: 1, Name: "alice"}, u)
}

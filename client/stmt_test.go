package client

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberdb/ember"
	"github.com/emberdb/ember/engine"
	"github.com/emberdb/ember/enginetest"
)

func openTestConn(t *testing.T) (*Conn, *enginetest.Session) {
	t.Helper()
	sess := enginetest.NewSession()
	conn := Open(sess)
	t.Cleanup(func() { conn.Close() })
	return conn, sess
}

func TestStmtQuery(t *testing.T) {
	conn, sess := openTestConn(t)
	sess.ScriptRows("SELECT ID, NAME FROM USERS",
		[]string{"ID", "NAME"},
		[]any{int64(1), "alice"},
		[]any{int64(2), "bob"},
	)
	stmt, err := conn.Prepare("SELECT ID, NAME FROM USERS")
	require.NoError(t, err)
	rows, err := stmt.Query()
	require.NoError(t, err)
	assert.Equal(t, []string{"ID", "NAME"}, rows.Columns())
	require.True(t, rows.Next())
	assert.Equal(t, []any{int64(1), "alice"}, rows.Row())
	require.True(t, rows.Next())
	v, err := rows.Value(2)
	require.NoError(t, err)
	assert.Equal(t, "bob", v)
	assert.False(t, rows.Next())
	require.NoError(t, rows.Close())
}

func TestStmtQueryTranslatesEscapes(t *testing.T) {
	conn, sess := openTestConn(t)
	translated := "SELECT     UCASE(NAME)  FROM USERS"
	sess.ScriptRows(translated, []string{"N"}, []any{"ALICE"})
	stmt, err := conn.Prepare("SELECT {fn UCASE(NAME)} FROM USERS")
	require.NoError(t, err)
	rows, err := stmt.Query()
	require.NoError(t, err)
	require.True(t, rows.Next())
	assert.Equal(t, "ALICE", rows.Row()[0])
	assert.Contains(t, sess.Executed(), translated)
}

func TestStmtPrepareMalformedEscape(t *testing.T) {
	conn, _ := openTestConn(t)
	_, err := conn.Prepare("SELECT {fn f()")
	assert.ErrorIs(t, err, ember.ErrUnbalancedEscape)
}

func TestStmtUpdateClamping(t *testing.T) {
	conn, sess := openTestConn(t)
	sql := "UPDATE T SET A = 1"
	sess.ScriptUpdate(sql, 5)
	sess.ScriptUpdate(sql, math.MaxInt32+1)
	stmt, err := conn.Prepare(sql)
	require.NoError(t, err)

	n, err := stmt.Update()
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(5), stmt.LargeUpdateCount())

	n, err = stmt.Update()
	require.NoError(t, err)
	assert.Equal(t, engine.SuccessNoInfo, n)
	assert.Equal(t, int64(math.MaxInt32+1), stmt.LargeUpdateCount())
}

func TestStmtExecuteDispatch(t *testing.T) {
	conn, sess := openTestConn(t)
	sess.ScriptRows("SELECT 1", []string{"X"}, []any{int64(1)})
	sess.ScriptUpdate("DELETE FROM T", 3)

	q, err := conn.Prepare("SELECT 1")
	require.NoError(t, err)
	isQuery, err := q.Execute()
	require.NoError(t, err)
	assert.True(t, isQuery)
	require.NotNil(t, q.Result())
	assert.Equal(t, -1, q.UpdateCount())

	u, err := conn.Prepare("DELETE FROM T")
	require.NoError(t, err)
	isQuery, err = u.Execute()
	require.NoError(t, err)
	assert.False(t, isQuery)
	assert.Nil(t, u.Result())
	assert.Equal(t, 3, u.UpdateCount())
}

func TestStmtResultReplacement(t *testing.T) {
	conn, sess := openTestConn(t)
	sql := "SELECT A FROM T"
	sess.ScriptRows(sql, []string{"A"}, []any{int64(1)})
	sess.ScriptRows(sql, []string{"A"}, []any{int64(2)})
	stmt, err := conn.Prepare(sql)
	require.NoError(t, err)

	first, err := stmt.Query()
	require.NoError(t, err)
	second, err := stmt.Query()
	require.NoError(t, err)

	// the first result was closed by the re-execution
	assert.False(t, first.Next())
	require.True(t, second.Next())
	assert.Equal(t, int64(2), second.Row()[0])
}

func TestStmtLockReleasedOnFailure(t *testing.T) {
	conn, sess := openTestConn(t)
	sql := "SELECT BOOM"
	sess.ScriptFail(sql, errors.New("boom"))
	stmt, err := conn.Prepare(sql)
	require.NoError(t, err)
	_, err = stmt.Query()
	require.Error(t, err)
	require.True(t, sess.TryLock(), "session lock must be released after a failed execute")
	sess.Unlock()
}

func TestStmtBind(t *testing.T) {
	conn, _ := openTestConn(t)
	stmt, err := conn.Prepare("INSERT INTO T VALUES(?, ?, ?)")
	require.NoError(t, err)

	n, err := stmt.ParameterCount()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, stmt.BindInt64(1, 7))
	require.NoError(t, stmt.BindString(2, "x"))
	require.NoError(t, stmt.BindDecimal(3, decimal.RequireFromString("1.25")))

	assert.ErrorIs(t, stmt.Bind(0, "x"), ember.ErrInvalidArgument)
	assert.ErrorIs(t, stmt.Bind(4, "x"), ember.ErrInvalidArgument)

	require.NoError(t, stmt.ClearParameters())
	err = stmt.AddBatch()
	assert.ErrorIs(t, err, ember.ErrParameterNotBound)
}

func TestStmtBindNullIsBound(t *testing.T) {
	conn, _ := openTestConn(t)
	stmt, err := conn.Prepare("INSERT INTO T VALUES(?)")
	require.NoError(t, err)
	require.NoError(t, stmt.BindNull(1))
	assert.NoError(t, stmt.AddBatch())
}

func TestStmtBatch(t *testing.T) {
	conn, sess := openTestConn(t)
	sql := "INSERT INTO T VALUES(?)"
	sess.ScriptUpdate(sql, 1)
	sess.ScriptFail(sql, errors.New("duplicate key"))
	sess.ScriptUpdate(sql, 2)
	stmt, err := conn.Prepare(sql)
	require.NoError(t, err)

	for _, v := range []int64{10, 20, 30} {
		require.NoError(t, stmt.BindInt64(1, v))
		require.NoError(t, stmt.AddBatch())
	}

	counts, err := stmt.ExecuteLargeBatch()
	require.Error(t, err)
	assert.Equal(t, []int64{1, engine.ExecuteFailed, 2}, counts)

	var be *ember.BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, counts, be.UpdateCounts)
	require.Len(t, be.Causes(), 1)
	assert.ErrorContains(t, be.Causes()[0], "batch element 1")

	// the accumulator was cleared; an immediate re-run is empty
	counts, err = stmt.ExecuteLargeBatch()
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestStmtBatchAllSucceed(t *testing.T) {
	conn, sess := openTestConn(t)
	sql := "INSERT INTO T VALUES(?)"
	sess.ScriptUpdate(sql, 1)
	stmt, err := conn.Prepare(sql)
	require.NoError(t, err)

	require.NoError(t, stmt.BindInt64(1, 1))
	require.NoError(t, stmt.AddBatch())
	require.NoError(t, stmt.BindInt64(1, 2))
	require.NoError(t, stmt.AddBatch())

	counts, err := stmt.ExecuteBatch()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, counts)
}

func TestStmtBatchMergesGeneratedKeys(t *testing.T) {
	conn, sess := openTestConn(t)
	sql := "INSERT INTO T(NAME) VALUES(?)"
	sess.ScriptUpdateKeys(sql, 1, []string{"ID"}, []any{int64(1)})
	sess.ScriptUpdateKeys(sql, 1, []string{"ID"}, []any{int64(2)})
	stmt, err := conn.Prepare(sql, WithGeneratedKeys(true))
	require.NoError(t, err)

	require.NoError(t, stmt.BindString(1, "a"))
	require.NoError(t, stmt.AddBatch())
	require.NoError(t, stmt.BindString(1, "b"))
	require.NoError(t, stmt.AddBatch())

	_, err = stmt.ExecuteLargeBatch()
	require.NoError(t, err)

	keys, err := stmt.GeneratedKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"ID"}, keys.Columns())
	var got []int64
	for keys.Next() {
		got = append(got, keys.Row()[0].(int64))
	}
	assert.Equal(t, []int64{1, 2}, got, "fragments merge in execution order")
}

func TestStmtGeneratedKeysSingleUpdate(t *testing.T) {
	conn, sess := openTestConn(t)
	sql := "INSERT INTO T(NAME) VALUES('x')"
	sess.ScriptUpdateKeys(sql, 1, []string{"ID"}, []any{int64(42)})
	stmt, err := conn.Prepare(sql, WithGeneratedKeys([]string{"ID"}))
	require.NoError(t, err)

	_, err = stmt.LargeUpdate()
	require.NoError(t, err)
	keys, err := stmt.GeneratedKeys()
	require.NoError(t, err)
	require.True(t, keys.Next())
	assert.Equal(t, int64(42), keys.Row()[0])
}

func TestStmtGeneratedKeysEmptyWhenNotRequested(t *testing.T) {
	conn, sess := openTestConn(t)
	sql := "INSERT INTO T(NAME) VALUES('x')"
	sess.ScriptUpdateKeys(sql, 1, []string{"ID"}, []any{int64(42)})
	stmt, err := conn.Prepare(sql)
	require.NoError(t, err)
	_, err = stmt.LargeUpdate()
	require.NoError(t, err)
	keys, err := stmt.GeneratedKeys()
	require.NoError(t, err)
	assert.False(t, keys.Next())
}

func TestStmtLazyResultLifetime(t *testing.T) {
	conn, sess := openTestConn(t)
	sql := "SELECT A FROM BIG"
	sess.ScriptLazyRows(sql, []string{"A"}, []any{int64(1)}, []any{int64(2)})
	stmt, err := conn.Prepare(sql)
	require.NoError(t, err)

	rows, err := stmt.Query()
	require.NoError(t, err)
	assert.True(t, rows.Lazy())
	// the executing marker stays published while rows are being pulled,
	// so an external cancel still has a target
	assert.NotNil(t, conn.executing)
	require.True(t, rows.Next())
	require.NoError(t, rows.Close())
	assert.Nil(t, conn.executing)
}

func TestStmtEagerResultClearsMarker(t *testing.T) {
	conn, sess := openTestConn(t)
	sql := "SELECT A FROM SMALL"
	sess.ScriptRows(sql, []string{"A"}, []any{int64(1)})
	stmt, err := conn.Prepare(sql)
	require.NoError(t, err)
	_, err = stmt.Query()
	require.NoError(t, err)
	assert.Nil(t, conn.executing)
}

func TestStmtScrollableDisablesLazy(t *testing.T) {
	conn, sess := openTestConn(t)
	sql := "SELECT A FROM BIG"
	sess.ScriptLazyRows(sql, []string{"A"}, []any{int64(1)})
	stmt, err := conn.Prepare(sql, WithResultSetType(Scrollable))
	require.NoError(t, err)
	rows, err := stmt.Query()
	require.NoError(t, err)
	assert.False(t, rows.Lazy())
	assert.Nil(t, conn.executing)
}

func TestStmtMaxRows(t *testing.T) {
	conn, sess := openTestConn(t)
	sql := "SELECT A FROM T"
	sess.ScriptRows(sql, []string{"A"}, []any{int64(1)}, []any{int64(2)}, []any{int64(3)})
	stmt, err := conn.Prepare(sql, WithMaxRows(2))
	require.NoError(t, err)
	rows, err := stmt.Query()
	require.NoError(t, err)
	count := 0
	for rows.Next() {
		count++
	}
	assert.Equal(t, 2, count)
}

func TestStmtCancel(t *testing.T) {
	conn, sess := openTestConn(t)
	stmt, err := conn.Prepare("SELECT A FROM T")
	require.NoError(t, err)
	stmt.Cancel()
	assert.True(t, stmt.Cancelled())
	assert.Equal(t, 1, sess.CancelCount())

	// the flag resets when the next execution starts
	_, err = stmt.Query()
	require.NoError(t, err)
	assert.False(t, stmt.Cancelled())
}

func TestStmtColumnIndexCache(t *testing.T) {
	conn, sess := openTestConn(t)
	sql := "SELECT ID, NAME FROM USERS"
	sess.ScriptRows(sql, []string{"ID", "NAME"}, []any{int64(1), "a"})
	sess.ScriptRows(sql, []string{"ID", "NAME"}, []any{int64(2), "b"})
	stmt, err := conn.Prepare(sql)
	require.NoError(t, err)

	rows, err := stmt.Query()
	require.NoError(t, err)
	idx, err := rows.ColumnIndex("name")
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	rows, err = stmt.Query()
	require.NoError(t, err)
	idx, err = rows.ColumnIndex("NAME")
	require.NoError(t, err)
	assert.Equal(t, 2, idx, "label cache survives result replacement")

	_, err = rows.ColumnIndex("MISSING")
	assert.ErrorIs(t, err, ember.ErrInvalidArgument)
}

func TestStmtClosed(t *testing.T) {
	conn, _ := openTestConn(t)
	stmt, err := conn.Prepare("SELECT 1")
	require.NoError(t, err)
	require.NoError(t, stmt.Close())
	require.NoError(t, stmt.Close(), "close is idempotent")

	_, err = stmt.Query()
	assert.ErrorIs(t, err, ember.ErrStatementClosed)
	_, err = stmt.Update()
	assert.ErrorIs(t, err, ember.ErrStatementClosed)
	assert.ErrorIs(t, stmt.Bind(1, "x"), ember.ErrStatementClosed)
	assert.ErrorIs(t, stmt.AddBatch(), ember.ErrStatementClosed)
	_, err = stmt.ExecuteLargeBatch()
	assert.ErrorIs(t, err, ember.ErrStatementClosed)
	_, err = stmt.GeneratedKeys()
	assert.ErrorIs(t, err, ember.ErrStatementClosed)
}

func TestStmtReprepareAfterReconnect(t *testing.T) {
	conn, sess := openTestConn(t)
	sql := "SELECT A FROM T"
	sess.ScriptRows(sql, []string{"A"}, []any{int64(1)})
	stmt, err := conn.Prepare(sql)
	require.NoError(t, err)

	sess.SetReconnectNeeded(false)
	rows, err := stmt.Query()
	require.NoError(t, err, "statement re-prepares transparently")
	require.True(t, rows.Next())
	assert.Equal(t, int64(1), rows.Row()[0])
	assert.NotSame(t, sess, conn.session, "session was replaced")
}

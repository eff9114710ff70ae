package sqlutil

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/fedcore/setup/config"
)

func TestRunLimitedVariablesQuery(t *testing.T) {
	testCases := []struct {
		name    string
		ids     []int
		queries []string
	}{
		{
			name:    "fewer variables than the limit",
			ids:     []int{1, 2, 3},
			queries: []string{`SELECT id WHERE id IN \(\$1, \$2, \$3\)`},
		},
		{
			name:    "as many variables as the limit",
			ids:     []int{1, 2, 3, 4},
			queries: []string{`SELECT id WHERE id IN \(\$1, \$2, \$3, \$4\)`},
		},
		{
			name: "more variables than the limit",
			ids:  []int{1, 2, 3, 4, 5},
			queries: []string{
				`SELECT id WHERE id IN \(\$1, \$2, \$3, \$4\)`,
				`SELECT id WHERE id IN \(\$1\)`,
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close() // nolint: errcheck

			remaining := tc.ids
			for _, q := range tc.queries {
				n := len(remaining)
				if n > 4 {
					n = 4
				}
				rows := mock.NewRows([]string{"id"})
				for _, id := range remaining[:n] {
					rows.AddRow(id)
				}
				remaining = remaining[n:]
				mock.ExpectQuery(q).WillReturnRows(rows)
			}

			variables := make([]interface{}, len(tc.ids))
			for i, id := range tc.ids {
				variables[i] = id
			}
			var result []int
			err = RunLimitedVariablesQuery(context.Background(), "SELECT id WHERE id IN ($1)", db, variables, 4, func(rows *sql.Rows) error {
				for rows.Next() {
					var id int
					if err := rows.Scan(&id); err != nil {
						return err
					}
					result = append(result, id)
				}
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, tc.ids, result)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRunLimitedVariablesQueryReturnsHandlerError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() // nolint: errcheck

	mock.ExpectQuery(`SELECT id WHERE id IN \(\$1\)`).WillReturnRows(mock.NewRows([]string{"id"}).AddRow(1))
	scanErr := errors.New("scan failed")
	err = RunLimitedVariablesQuery(context.Background(), "SELECT id WHERE id IN ($1)", db, []interface{}{1}, 4, func(rows *sql.Rows) error {
		return scanErr
	})
	assert.ErrorIs(t, err, scanErr)
}

func TestWithTransactionRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() // nolint: errcheck

	mock.ExpectBegin()
	mock.ExpectRollback()
	failure := errors.New("failed")
	err = WithTransaction(db, func(txn *sql.Tx) error { return failure })
	assert.ErrorIs(t, err, failure)

	mock.ExpectBegin()
	mock.ExpectCommit()
	assert.NoError(t, WithTransaction(db, func(txn *sql.Tx) error { return nil }))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryVariadicOffset(t *testing.T) {
	assert.Equal(t, "($1, $2, $3)", QueryVariadic(3))
	assert.Equal(t, "($3, $4)", QueryVariadicOffset(2, 2))
	assert.Equal(t, "()", QueryVariadic(0))
}

func TestParseFileURI(t *testing.T) {
	for in, want := range map[string]string{
		"file:roomserver.db":         "roomserver.db",
		"file:///var/lib/fedcore.db": "/var/lib/fedcore.db",
		"file:test.db?_journal=WAL":  "test.db?_journal=WAL",
	} {
		got, err := ParseFileURI(config.DataSource(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFileURI("postgres://localhost/fedcore")
	assert.Error(t, err)
}

func TestExclusiveWriterRunsOneWriteAtATime(t *testing.T) {
	writer := NewExclusiveWriter()
	var mu sync.Mutex
	running, maxRunning := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := writer.Do(nil, nil, func(txn *sql.Tx) error {
				assert.Nil(t, txn)
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxRunning)
}

func TestWritersOpenTransactions(t *testing.T) {
	for name, writer := range map[string]Writer{
		"exclusive": NewExclusiveWriter(),
		"dummy":     NewDummyWriter(),
	} {
		t.Run(name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close() // nolint: errcheck

			mock.ExpectBegin()
			mock.ExpectCommit()
			require.NoError(t, writer.Do(db, nil, func(txn *sql.Tx) error {
				assert.NotNil(t, txn)
				return nil
			}))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRunLimitedVariablesQueryRejectsZeroLimit(t *testing.T) {
	err := RunLimitedVariablesQuery(context.Background(), "SELECT id WHERE id IN ($1)", nil, []interface{}{1}, 0, func(*sql.Rows) error {
		return nil
	})
	assert.Error(t, err)
}

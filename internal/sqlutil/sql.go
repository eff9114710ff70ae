// Copyright 2017 Vector Creations Ltd
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/matrix-org/util"
)

// WithTransaction runs fn inside a new transaction. The transaction is
// committed if fn returns nil and rolled back if it returns an error or
// panics.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return fmt.Errorf("sqlutil.WithTransaction.Begin: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := txn.Rollback(); rbErr != nil && err == nil {
			err = rbErr
		}
	}()

	if err = fn(txn); err != nil {
		return err
	}
	if err = txn.Commit(); err != nil {
		return fmt.Errorf("sqlutil.WithTransaction.Commit: %w", err)
	}
	committed = true
	return nil
}

// TxStmt returns the statement bound to txn, or the statement itself when
// there is no transaction.
func TxStmt(txn *sql.Tx, statement *sql.Stmt) *sql.Stmt {
	if txn == nil {
		return statement
	}
	return txn.Stmt(statement)
}

// QueryVariadic creates a ($1, $2, ...) list of the given length.
func QueryVariadic(count int) string {
	return QueryVariadicOffset(count, 0)
}

// QueryVariadicOffset creates a ($offset+1, $offset+2, ...) list.
func QueryVariadicOffset(count, offset int) string {
	params := make([]string, count)
	for i := range params {
		params[i] = fmt.Sprintf("$%d", offset+i+1)
	}
	return "(" + strings.Join(params, ", ") + ")"
}

// QueryProvider is anything RunLimitedVariablesQuery can run queries on:
// a *sql.DB, a *sql.Tx or a *sql.Conn.
type QueryProvider interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// SQLite3MaxVariables is the most host parameters SQLite accepts in one
// statement by default. See https://www.sqlite.org/limits.html.
const SQLite3MaxVariables = 999

// RunLimitedVariablesQuery runs query once per chunk of at most limit
// variables, replacing the "($1)" placeholder in query with a parameter list
// of the chunk's size. rowHandler is called with the rows of each chunk.
func RunLimitedVariablesQuery(ctx context.Context, query string, qp QueryProvider, variables []interface{}, limit uint, rowHandler func(*sql.Rows) error) error {
	if limit == 0 {
		return fmt.Errorf("RunLimitedVariablesQuery: limit must be positive")
	}
	logger := util.GetLogger(ctx)
	for len(variables) > 0 {
		chunk := variables
		if uint(len(chunk)) > limit {
			chunk = chunk[:limit]
		}
		variables = variables[len(chunk):]

		rows, err := qp.QueryContext(ctx, strings.Replace(query, "($1)", QueryVariadic(len(chunk)), 1), chunk...)
		if err != nil {
			logger.WithError(err).Error("RunLimitedVariablesQuery: QueryContext failed")
			return err
		}
		err = rowHandler(rows)
		closeErr := rows.Close()
		if err != nil {
			logger.WithError(err).Error("RunLimitedVariablesQuery: rowHandler failed")
			return err
		}
		if closeErr != nil {
			logger.WithError(closeErr).Error("RunLimitedVariablesQuery: failed to close rows")
			return closeErr
		}
	}
	return nil
}

// StatementList pairs SQL with the prepared statement it should fill in.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

// Prepare prepares every statement in the list, stopping at the first error.
func (s StatementList) Prepare(db *sql.DB) error {
	for _, statement := range s {
		stmt, err := db.Prepare(statement.SQL)
		if err != nil {
			return fmt.Errorf("error %q while preparing statement: %s", err, statement.SQL)
		}
		*statement.Statement = stmt
	}
	return nil
}

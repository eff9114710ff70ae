package sqlutil

import "database/sql"

// Writer serialises database writes where the engine needs it. SQLite only
// allows one writer at a time; PostgreSQL does not care.
//
// Do calls f when it is safe to write:
//   - with db and txn set, f gets txn;
//   - with only db set, f gets a new transaction on db, committed if f
//     returns nil and rolled back otherwise;
//   - with neither set, f gets nil.
type Writer interface {
	Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error
}

// runWrite calls f as described on Writer.
func runWrite(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	if db != nil && txn == nil {
		return WithTransaction(db, f)
	}
	return f(txn)
}

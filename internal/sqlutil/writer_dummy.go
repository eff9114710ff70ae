package sqlutil

import (
	"database/sql"
)

// DummyWriter runs writes as they arrive, without any exclusivity. Used for
// PostgreSQL, where overlapping transactions are fine.
type DummyWriter struct{}

// NewDummyWriter returns a new dummy writer.
func NewDummyWriter() Writer {
	return &DummyWriter{}
}

func (w *DummyWriter) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	return runWrite(db, txn, f)
}

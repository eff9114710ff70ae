package sqlutil

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var exclusiveWriterWait = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "fedcore",
		Subsystem: "sqlutil",
		Name:      "exclusive_writer_wait_seconds",
		Help:      "How long writes waited for the exclusive writer",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	},
)

func init() {
	prometheus.MustRegister(exclusiveWriterWait)
}

// ExclusiveWriter runs one write at a time. Used for
// SQLite, which fails rather than waits when two writers contend for the
// database lock.
type ExclusiveWriter struct {
	turn chan struct{}
}

func NewExclusiveWriter() Writer {
	w := &ExclusiveWriter{
		turn: make(chan struct{}, 1),
	}
	w.turn <- struct{}{}
	return w
}

// Do waits for its turn and then runs f as described on Writer. Calling Do
// again from inside f deadlocks: pass the txn through instead.
func (w *ExclusiveWriter) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	start := time.Now()
	<-w.turn
	exclusiveWriterWait.Observe(time.Since(start).Seconds())
	defer func() {
		w.turn <- struct{}{}
	}()
	return runWrite(db, txn, f)
}

// Copyright 2023 The Matrix.org Foundation C.I.C.
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
	"database/sql"
	"fmt"
	"sync"

	"github.com/matrix-org/fedcore/setup/config"
	"github.com/matrix-org/fedcore/setup/process"
)

// Connections hands out one *sql.DB and Writer per connection string, so
// that components sharing a database also share its writer.
type Connections struct {
	processContext *process.ProcessContext
	mu             sync.Mutex
	existing       map[config.DataSource]*con
}

type con struct {
	db     *sql.DB
	writer Writer
}

func NewConnectionManager(processCtx *process.ProcessContext) *Connections {
	return &Connections{
		processContext: processCtx,
		existing:       map[config.DataSource]*con{},
	}
}

func (c *Connections) Connection(dbProperties *config.DatabaseOptions) (*sql.DB, Writer, error) {
	if dbProperties.ConnectionString == "" {
		return nil, nil, fmt.Errorf("no database connections configured")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ex, ok := c.existing[dbProperties.ConnectionString]; ok {
		return ex.db, ex.writer, nil
	}

	writer := NewDummyWriter()
	if dbProperties.ConnectionString.IsSQLite() {
		writer = NewExclusiveWriter()
	}
	db, err := Open(dbProperties, writer)
	if err != nil {
		return nil, nil, err
	}
	c.existing[dbProperties.ConnectionString] = &con{db: db, writer: writer}
	if c.processContext != nil {
		// Close the database cleanly once the process shuts down.
		c.processContext.ComponentStarted()
		go func() {
			<-c.processContext.WaitForShutdown()
			_ = db.Close()
			c.processContext.ComponentFinished()
		}()
	}
	return db, writer, nil
}

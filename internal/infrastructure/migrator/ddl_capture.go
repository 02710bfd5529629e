package migrator

import (
	"strings"
	"sync"
)

// executingPrefix is the prefix ORM statement logs carry
const executingPrefix = "Executing (default): "

// StatementCapture collects the DDL statements a catalog sync emits.
// Informational; live-mode reporting only.
type StatementCapture struct {
	mu         sync.Mutex
	statements []string
}

// NewStatementCapture creates an empty capture
func NewStatementCapture() *StatementCapture {
	return &StatementCapture{}
}

// Record filters one statement-log line, keeping only DDL
func (c *StatementCapture) Record(line string) {
	stmt := strings.TrimPrefix(line, executingPrefix)

	first, _, _ := strings.Cut(strings.TrimSpace(stmt), " ")
	switch strings.ToUpper(first) {
	case "ALTER", "CREATE", "DROP":
	default:
		return
	}

	c.mu.Lock()
	c.statements = append(c.statements, stmt)
	c.mu.Unlock()
}

// Statements returns the captured DDL in arrival order
func (c *StatementCapture) Statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.statements...)
}

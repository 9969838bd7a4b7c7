package postgres

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	_ "github.com/lib/pq"
)

// Open connects to PostgreSQL and blocks until the database answers.
func Open(dataSourceName string, logger log.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, err
	}
	err = checkDBAlive(db)
	for err != nil {
		level.Warn(logger).Log("msg", "Trying to connect to trusted CA DB", "err", err)
		time.Sleep(5 * time.Second)
		err = checkDBAlive(db)
	}
	return db, nil
}

func checkDBAlive(db *sql.DB) error {
	sqlStatement := `
	SELECT WHERE 1=0`
	rows, err := db.Query(sqlStatement)
	if err != nil {
		return err
	}
	return rows.Close()
}

// TenantQuery accumulates the WHERE clause of a statement that must only
// touch rows of one tenant. The tenant predicate is added on construction
// and cannot be removed.
type TenantQuery struct {
	conds []string
	args  []interface{}
}

func NewTenantQuery(tenant string) *TenantQuery {
	q := &TenantQuery{}
	q.Where("tenant", tenant)
	return q
}

// Where adds an equality predicate on column.
func (q *TenantQuery) Where(column string, value interface{}) *TenantQuery {
	q.conds = append(q.conds, column+" = "+q.Arg(value))
	return q
}

// Arg registers a positional argument and returns its placeholder.
func (q *TenantQuery) Arg(value interface{}) string {
	q.args = append(q.args, value)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *TenantQuery) Clause() string {
	return "WHERE " + strings.Join(q.conds, " AND ")
}

func (q *TenantQuery) Args() []interface{} {
	return q.args
}

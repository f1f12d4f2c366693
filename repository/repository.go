// Package repository holds the Postgres access layer. Every method returns
// domain models; SQL and scanning stay behind these interfaces so handlers
// and services never touch rows directly.
package repository

import (
	"errors"

	"github.com/lib/pq"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (23505). Inserts racing on a UNIQUE column detect the loser through this.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

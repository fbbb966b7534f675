// Package db opens the SQLite databases mods keep under their state
// directories, split into a single-connection writer and a concurrent
// read-only pool so WAL readers never queue behind writes.
package db

import "github.com/jmoiron/sqlx"

// Pool pairs the writer connection with the reader pool for one database.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps pre-opened writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is the single connection for INSERT/UPDATE/DELETE and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the read-only pool for SELECT queries; WAL snapshots let it run
// concurrently with the writer.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

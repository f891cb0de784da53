// Package postgres implements the [datastore.Store] interfaces backed by a
// PostgreSQL database.
//
// SQL statements live in the embedded "queries" directory, one file per
// statement, named for the method issuing them.
package postgres

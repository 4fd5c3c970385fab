// Package postgres provides a PostgreSQL storage backend built on pgx.
//
// The schema (schema.sql, embedded) is applied with Store.Migrate. Authorization
// codes are consumed with a conditional UPDATE ... RETURNING, so exactly one of
// several concurrent exchanges of a code observes a row.
//
// Tests run only when POSTGRES_TEST_DSN is set.
package postgres

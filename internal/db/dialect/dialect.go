// Package dialect holds the driver names and small SQL portability
// helpers shared by the SQLite and Postgres backends.
package dialect

// Driver names as registered with database/sql.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether the driver talks to Postgres.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt maps a bool to the 0/1 representation both backends store.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

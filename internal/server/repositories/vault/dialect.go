package vault

import "regexp"

// dialect adapts the shared SQL, written with $n placeholders, to a driver.
type dialect struct {
	name   string
	rebind func(query string) string
}

var numbered = regexp.MustCompile(`\$(\d+)`)

var (
	postgresDialect = dialect{name: "postgres", rebind: func(q string) string { return q }}
	// SQLite numbered parameters use ?NNN.
	sqliteDialect = dialect{name: "sqlite", rebind: func(q string) string {
		return numbered.ReplaceAllString(q, "?$1")
	}}
)

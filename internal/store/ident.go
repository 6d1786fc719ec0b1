package store

import (
	"fmt"
	"regexp"
)

// identPattern is the strict character class configuration-sourced
// identifiers (catalog, schema, table names) must match before they are
// interpolated into any SQL statement. Values are always parameter-bound
// and never need this check; only identifiers, which database drivers
// cannot bind as parameters, do.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateIdent rejects any identifier that is not a simple, unquoted SQL
// name. Called once at adapter construction for the configured
// catalog/schema names (table names are fixed literals), so a malformed
// operator-supplied Config fails fast instead of building an injectable
// query later.
func ValidateIdent(kind, name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("store: invalid %s identifier %q: must match %s", kind, name, identPattern.String())
	}
	return nil
}

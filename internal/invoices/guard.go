package invoices

import (
	"fmt"
	"regexp"
	"strings"
)

var stmtWordRe = regexp.MustCompile(`\b\w+\b`)

// mutating keywords rejected as whole words anywhere in a statement,
// regardless of case. Defense in depth: the generation step should never
// emit these, but the store re-validates before touching the database.
var forbiddenKeywords = map[string]struct{}{
	"drop": {}, "delete": {}, "truncate": {}, "insert": {}, "update": {},
	"grant": {}, "revoke": {}, "alter": {}, "create": {}, "replace": {},
}

// ValidateReadOnly rejects any statement that is not a plain SELECT or
// contains a mutating keyword as a whole word.
func ValidateReadOnly(stmt string) error {
	words := make(map[string]struct{})
	for _, w := range stmtWordRe.FindAllString(stmt, -1) {
		words[strings.ToLower(w)] = struct{}{}
	}
	if _, ok := words["select"]; !ok {
		return fmt.Errorf("invoices: statement must be a SELECT")
	}
	var found []string
	for w := range forbiddenKeywords {
		if _, ok := words[w]; ok {
			found = append(found, w)
		}
	}
	if len(found) > 0 {
		return fmt.Errorf("invoices: forbidden keyword(s) in statement: %s", strings.Join(found, ", "))
	}
	return nil
}

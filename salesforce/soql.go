package salesforce

import (
	"fmt"
	"strings"
)

// Quote returns s as a SOQL string literal.
func Quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(s) + "'"
}

// QuoteList returns ids as a parenthesised SOQL list for use with IN.
func QuoteList(ids []string) string {
	quoted := make([]string, 0, len(ids))
	for _, id := range ids {
		quoted = append(quoted, Quote(id))
	}
	return "(" + strings.Join(quoted, ",") + ")"
}

// Select builds "SELECT f1,f2 FROM sobject [WHERE where]".
func Select(fields []string, sobject string, where string) string {
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(fields, ","), sobject)
	if where != "" {
		q += " WHERE " + where
	}
	return q
}

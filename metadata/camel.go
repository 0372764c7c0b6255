package metadata

import (
	"strings"
	"unicode"

	"github.com/sith-oath/apexd/salesforce"
)

// CamelCase normalizes an API name to lower camel case, splitting words on
// separators and case changes: "ParentJobId" -> "parentJobId",
// "Custom_Field__c" -> "customFieldC", "XMLHttp" -> "xmlHttp".
func CamelCase(s string) string {
	words := splitWords(s)
	var b strings.Builder
	for i, w := range words {
		w = strings.ToLower(w)
		if i > 0 {
			r := []rune(w)
			r[0] = unicode.ToUpper(r[0])
			w = string(r)
		}
		b.WriteString(w)
	}
	return b.String()
}

func splitWords(s string) []string {
	runes := []rune(s)
	words := make([]string, 0, 4)
	start := -1
	flush := func(end int) {
		if start >= 0 && end > start {
			words = append(words, string(runes[start:end]))
		}
		start = -1
	}

	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush(i)
			continue
		}
		if start < 0 {
			start = i
			continue
		}
		prev := runes[i-1]
		switch {
		case unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)):
			flush(i)
			start = i
		case unicode.IsUpper(r) && unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1]):
			flush(i)
			start = i
		case unicode.IsLower(r) && unicode.IsDigit(prev):
			flush(i)
			start = i
		}
	}
	flush(len(runes))
	return words
}

// CamelizeRecord returns a copy of rec with camel-cased keys. Relationship
// objects are converted recursively and the attributes envelope is dropped.
func CamelizeRecord(rec salesforce.Record) salesforce.Record {
	out := make(salesforce.Record, len(rec))
	for k, v := range rec {
		if k == "attributes" {
			continue
		}
		switch nested := v.(type) {
		case map[string]any:
			v = map[string]any(CamelizeRecord(nested))
		case salesforce.Record:
			v = map[string]any(CamelizeRecord(nested))
		}
		out[CamelCase(k)] = v
	}
	return out
}

func CamelizeRecords(records []salesforce.Record) []salesforce.Record {
	out := make([]salesforce.Record, 0, len(records))
	for _, rec := range records {
		out = append(out, CamelizeRecord(rec))
	}
	return out
}

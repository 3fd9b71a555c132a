package ledger

import (
	"fmt"
	"sort"
	"strings"
)

// BuildExpression renders a Query as the ledger's annotation query
// language: conjunctions of equality terms, string values quoted,
// numeric values bare.
//
//	type = "chunk" && file_id = "abc" && chunk_count = 4
//
// Terms are emitted in sorted key order so the same query always
// produces the same expression (useful for logging and tests).
func BuildExpression(q Query) string {
	terms := make([]string, 0, len(q.Strings)+len(q.Numerics))

	stringKeys := make([]string, 0, len(q.Strings))
	for k := range q.Strings {
		stringKeys = append(stringKeys, k)
	}
	sort.Strings(stringKeys)
	for _, k := range stringKeys {
		terms = append(terms, fmt.Sprintf("%s = %q", k, q.Strings[k]))
	}

	numericKeys := make([]string, 0, len(q.Numerics))
	for k := range q.Numerics {
		numericKeys = append(numericKeys, k)
	}
	sort.Strings(numericKeys)
	for _, k := range numericKeys {
		terms = append(terms, fmt.Sprintf("%s = %d", k, q.Numerics[k]))
	}

	return strings.Join(terms, " && ")
}

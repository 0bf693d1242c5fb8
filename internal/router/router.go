// Package router implements the query router: it classifies an incoming
// natural-language query against a fixed precedence list of regexes and,
// where a deterministic template suffices, returns it without ever
// consulting the LLM.
package router

import (
	"fmt"
	"regexp"
	"strings"
)

// QueryType is the classification bucket a query falls into.
type QueryType string

const (
	TypeStockLookup   QueryType = "stock_lookup"
	TypeProductSearch QueryType = "product_search"
	TypeCount         QueryType = "count"
	TypeSum           QueryType = "sum"
	TypeList          QueryType = "list"
	TypeSimpleFilter  QueryType = "simple_filter"
	TypeComplex       QueryType = "complex"
)

// SearchHints carries the extracted term a caller should hand to hybrid search
// when Type is a search-shaped classification.
type SearchHints struct {
	Term string
}

// Classification is the result of Classify.
type Classification struct {
	Type        QueryType
	SQLTemplate string
	SearchHints *SearchHints
	NeedsLLM    bool
}

// precedence-ordered, case-insensitive; the first match wins.
var (
	stockRe   = regexp.MustCompile(`(?i)(stok|stock|berapa.*stok)\s+([A-Za-z\s]+)`)
	productRe = regexp.MustCompile(`(?i)(cari|search|find)\s+([A-Za-z\s]+)`)
	countRe   = regexp.MustCompile(`(?i)count|jumlah|berapa banyak|how many`)
	sumRe     = regexp.MustCompile(`(?i)(total|sum)\s+(\w+)`)
	listRe    = regexp.MustCompile(`(?i)(list|show|tampilkan|tunjukkan).*\ball\b`)
	whereRe   = regexp.MustCompile(`(?i)(where|dengan|yang)\s+(\w+)\s*(=|is)\s*['"]?([\w\s]+?)['"]?$`)
)

// quoteIdent renders a validated identifier as a double-quoted SQL
// identifier. Only [A-Za-z0-9_] is accepted.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func quoteIdent(name string) (string, bool) {
	if !identRe.MatchString(name) {
		return "", false
	}
	return `"` + name + `"`, true
}

// Classify matches query against the precedence list. A table hint is
// required for a template to be emitted at all: the caller must supply a
// validated table hint, or the template is discarded and NeedsLLM is
// forced true even when a pattern otherwise matches. This keeps the
// router from emitting SQL against tables that may not exist.
func Classify(query string, tableHint string) Classification {
	trimmed := strings.TrimSpace(query)

	if m := stockRe.FindStringSubmatch(trimmed); m != nil {
		return Classification{
			Type:        TypeStockLookup,
			SearchHints: &SearchHints{Term: strings.TrimSpace(m[2])},
			NeedsLLM:    false,
		}
	}

	if m := productRe.FindStringSubmatch(trimmed); m != nil {
		return Classification{
			Type:        TypeProductSearch,
			SearchHints: &SearchHints{Term: strings.TrimSpace(m[2])},
			NeedsLLM:    false,
		}
	}

	if countRe.MatchString(trimmed) {
		return classifyTemplate(TypeCount, tableHint, func(table string) string {
			return fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
		})
	}

	if m := sumRe.FindStringSubmatch(trimmed); m != nil {
		field, ok := quoteIdent(m[2])
		if !ok {
			return Classification{Type: TypeComplex, NeedsLLM: true}
		}
		return classifyTemplate(TypeSum, tableHint, func(table string) string {
			return fmt.Sprintf("SELECT SUM(%s) FROM %s", field, table)
		})
	}

	if listRe.MatchString(trimmed) {
		return classifyTemplate(TypeList, tableHint, func(table string) string {
			return fmt.Sprintf("SELECT * FROM %s LIMIT 100", table)
		})
	}

	if m := whereRe.FindStringSubmatch(trimmed); m != nil {
		field, ok := quoteIdent(m[2])
		if !ok {
			return Classification{Type: TypeComplex, NeedsLLM: true}
		}
		value := strings.ReplaceAll(m[4], "'", "''")
		return classifyTemplate(TypeSimpleFilter, tableHint, func(table string) string {
			return fmt.Sprintf("SELECT * FROM %s WHERE %s = '%s'", table, field, value)
		})
	}

	return Classification{Type: TypeComplex, NeedsLLM: true}
}

// classifyTemplate builds a template classification when tableHint is a
// validated, non-empty identifier; otherwise it falls back to the LLM
// path per the router's table-hint invariant.
func classifyTemplate(t QueryType, tableHint string, render func(table string) string) Classification {
	if tableHint == "" {
		return Classification{Type: t, NeedsLLM: true}
	}
	quoted, ok := quoteIdent(tableHint)
	if !ok {
		return Classification{Type: t, NeedsLLM: true}
	}
	qualified := fmt.Sprintf(`"public".%s`, quoted)
	return Classification{
		Type:        t,
		SQLTemplate: render(qualified),
		NeedsLLM:    false,
	}
}

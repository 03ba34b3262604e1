package query

import (
	"regexp"
	"strconv"

	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionFinding describes one string leaf that matched an injection
// signature, with enough context to audit where it appeared.
type InjectionFinding struct {
	// Path is the dotted location of the offending leaf inside the
	// parameter tree (e.g. "where.email").
	Path string
	// Signature names the matching pattern, or "libinjection:<fingerprint>"
	// when the lexer-based check fired.
	Signature string
	// Value is the raw string that matched.
	Value string
}

// signature is a named regex checked against every string leaf.
type signature struct {
	name  string
	regex *regexp.Regexp
}

// injectionSignatures are the fixed pattern checks applied on top of
// libinjection. They cover the classic shapes: boolean tautologies,
// statement terminators followed by DDL/DML, comment markers, and
// UNION SELECT.
var injectionSignatures = []signature{
	{
		name:  "boolean_tautology",
		regex: regexp.MustCompile(`(?i)['"]?\s*(OR|AND)\s+['"]?([0-9a-z]+)['"]?\s*=\s*['"]?([0-9a-z]+)['"]?`),
	},
	{
		name:  "statement_terminator",
		regex: regexp.MustCompile(`(?i);\s*(DROP|DELETE|UPDATE|INSERT|ALTER|TRUNCATE|CREATE|GRANT|EXEC)\b`),
	},
	{
		name:  "comment_marker",
		regex: regexp.MustCompile(`(--|/\*|\*/|#\s*$)`),
	},
	{
		name:  "union_select",
		regex: regexp.MustCompile(`(?i)\bUNION\s+(ALL\s+)?SELECT\b`),
	},
}

// CheckString screens a single string leaf for injection patterns. The fixed
// signatures run first, then libinjection's SQLi lexer as a second opinion.
// Returns nil when the value is clean.
func CheckString(path, value string) *InjectionFinding {
	for _, sig := range injectionSignatures {
		if sig.regex.MatchString(value) {
			return &InjectionFinding{Path: path, Signature: sig.name, Value: value}
		}
	}
	if isSQLi, fingerprint := libinjection.IsSQLi(value); isSQLi {
		return &InjectionFinding{
			Path:      path,
			Signature: "libinjection:" + string(fingerprint),
			Value:     value,
		}
	}
	return nil
}

// ScanTree walks every string leaf of a parameter tree and collects injection
// findings. The walk visits object keys in sorted order so the findings list
// is deterministic for a given tree.
func ScanTree(root Value) []InjectionFinding {
	var findings []InjectionFinding
	scanValue("", root, &findings)
	return findings
}

func scanValue(path string, v Value, findings *[]InjectionFinding) {
	switch v.Kind {
	case KindString:
		if f := CheckString(path, v.Str); f != nil {
			*findings = append(*findings, *f)
		}
	case KindObject:
		for _, k := range v.SortedKeys() {
			scanValue(joinPath(path, k), v.Object[k], findings)
		}
	case KindArray:
		for i, child := range v.Array {
			scanValue(joinPath(path, indexSegment(i)), child, findings)
		}
	}
}

func joinPath(base, segment string) string {
	if base == "" {
		return segment
	}
	return base + "." + segment
}

func indexSegment(i int) string {
	return "[" + strconv.Itoa(i) + "]"
}

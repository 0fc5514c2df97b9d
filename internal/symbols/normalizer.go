// Package symbols provides ticker canonicalization, symbol registration,
// rename history, and the segment resolver used by the read and coverage paths.
package symbols

import (
	"fmt"
	"strings"
)

// exchangeSuffixes is the fixed set of recognized exchange codes that keep
// their dot suffix after normalization (e.g. "7203.T", "0005.HK", "BP.L").
var exchangeSuffixes = map[string]bool{
	"T":  true, // Tokyo
	"HK": true, // Hong Kong
	"L":  true, // London
	"TO": true, // Toronto
	"V":  true, // TSX Venture
	"AX": true, // Australia
	"SI": true, // Singapore
	"KS": true, // Korea
	"TW": true, // Taiwan
	"SS": true, // Shanghai
	"SZ": true, // Shenzhen
	"DE": true, // XETRA
	"F":  true, // Frankfurt
	"PA": true, // Paris
	"AS": true, // Amsterdam
	"MI": true, // Milan
	"MC": true, // Madrid
	"ST": true, // Stockholm
	"OL": true, // Oslo
	"CO": true, // Copenhagen
	"HE": true, // Helsinki
	"SW": true, // Swiss
	"NS": true, // NSE India
	"BO": true, // BSE India
	"SA": true, // Sao Paulo
	"MX": true, // Mexico
}

// Normalize canonicalizes a raw ticker string.
//
// Rules:
//   - uppercase, surrounding whitespace stripped
//   - recognized exchange suffixes keep their dot ("7203.T" stays "7203.T")
//   - single-letter US class-share suffixes become hyphenated ("BRK.B" -> "BRK-B")
//   - index prefixes are preserved ("^VIX" stays "^VIX")
//   - empty or whitespace-only input is rejected
//
// Deterministic, no I/O.
func Normalize(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("empty symbol")
	}

	// Index symbols pass through untouched after case folding
	if strings.HasPrefix(s, "^") {
		if len(s) == 1 {
			return "", fmt.Errorf("empty index symbol")
		}
		return s, nil
	}

	idx := strings.LastIndex(s, ".")
	if idx <= 0 || idx == len(s)-1 {
		// No dot, leading dot, or trailing dot: leave as-is
		return s, nil
	}

	suffix := s[idx+1:]
	if exchangeSuffixes[suffix] {
		return s, nil
	}

	// Single-letter suffix that is not an exchange code is a US class share
	if len(suffix) == 1 {
		return s[:idx] + "-" + suffix, nil
	}

	return s, nil
}

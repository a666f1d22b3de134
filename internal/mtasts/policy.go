// Package mtasts parses RFC 8461 MTA-STS policy documents. It implements
// only the parser spec.md §4.4 requires; fetching, caching, and DANE/TLSA
// retrieval remain external collaborators.
package mtasts

import (
	"fmt"
	"strconv"
	"strings"
)

// Mode is the policy enforcement mode.
type Mode int

const (
	ModeNone Mode = iota
	ModeTesting
	ModeEnforce
)

func (m Mode) String() string {
	switch m {
	case ModeEnforce:
		return "enforce"
	case ModeTesting:
		return "testing"
	default:
		return "none"
	}
}

// MxPatternKind distinguishes an exact-match mx entry from a wildcard
// suffix-match one.
type MxPatternKind int

const (
	MxEquals MxPatternKind = iota
	MxStartsWith
)

// MxPattern matches a remote MX hostname against one policy "mx:" line.
// A wildcard entry ("*.example.net") keeps the leading dot in Value so
// Match can do a plain suffix comparison without matching
// "evilexample.net" against "example.net".
type MxPattern struct {
	Kind  MxPatternKind
	Value string
}

// Match reports whether host (already lowercased by the caller, or not —
// Match lowercases it) satisfies this pattern.
func (p MxPattern) Match(host string) bool {
	host = strings.ToLower(host)
	switch p.Kind {
	case MxEquals:
		return host == p.Value
	case MxStartsWith:
		return strings.HasSuffix(host, p.Value)
	default:
		return false
	}
}

// Policy is a parsed MTA-STS policy document.
type Policy struct {
	ID     string
	Mode   Mode
	MX     []MxPattern
	MaxAge int // seconds
}

const (
	defaultMaxAge = 86400
	minMaxAge     = 3600
	maxMaxAge     = 31557600
)

// Parse parses an MTA-STS policy document body (the "mode"/"mx"/"max_age"/
// "version" line-oriented format) and assigns it the given id. It fails only
// when "version" or "mode" carries an unsupported value, or when the
// document contains zero usable "mx" entries — exactly the failure
// conditions of the original Rust parser this is ported from.
func Parse(data string, id string) (Policy, error) {
	mode := ModeNone
	maxAge := defaultMaxAge
	var mx []MxPattern

	for len(data) > 0 {
		colon := strings.IndexByte(data, ':')
		if colon < 0 {
			break
		}
		key := strings.TrimSpace(data[:colon])
		rest := data[colon+1:]

		var value string
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			value = strings.TrimSpace(rest[:nl])
			data = rest[nl+1:]
		} else {
			value = strings.TrimSpace(rest)
			data = ""
		}

		switch key {
		case "mx":
			if suffix, ok := strings.CutPrefix(value, "*"); ok {
				if suffix != "" {
					mx = append(mx, MxPattern{Kind: MxStartsWith, Value: strings.ToLower(suffix)})
				}
			} else if value != "" {
				mx = append(mx, MxPattern{Kind: MxEquals, Value: strings.ToLower(value)})
			}
		case "max_age":
			if n, err := strconv.Atoi(value); err == nil {
				if n >= minMaxAge && n < maxMaxAge {
					maxAge = n
				}
			}
		case "mode":
			switch value {
			case "enforce":
				mode = ModeEnforce
			case "testing":
				mode = ModeTesting
			case "none":
				mode = ModeNone
			default:
				return Policy{}, fmt.Errorf("unsupported mode %q", value)
			}
		case "version":
			if !strings.EqualFold(value, "STSv1") {
				return Policy{}, fmt.Errorf("unsupported version %q", value)
			}
		}
	}

	if len(mx) == 0 {
		return Policy{}, fmt.Errorf("no 'mx' entries found")
	}

	return Policy{ID: id, Mode: mode, MX: mx, MaxAge: maxAge}, nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package redact masks sensitive fields before they reach logs or storage.
//
// A field is sensitive when its name matches one of the configured terms
// (case-insensitive substring match). Long values are replaced with a short
// blake3 hash, short values with a partial mask. Redacting an already
// redacted payload returns it unchanged.
package redact

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
	"github.com/zeebo/blake3"
)

// DefaultTerms lists the field-name fragments treated as sensitive.
var DefaultTerms = []string{"token", "code", "state", "email", "uid", "secret", "key"}

const (
	// ShortThreshold is the longest value that is masked instead of hashed.
	ShortThreshold = 8

	hashPrefix = "h:"
	maskPrefix = "m:"
	maskSuffix = "***"
	hashLen    = 12

	// scrubMinLen is the shortest raw sensitive value scrubbed from
	// non-sensitive string fields of the same payload.
	scrubMinLen = 7
)

// Redactor masks sensitive fields of key-value payloads.
type Redactor struct {
	terms    []string
	patterns []glob.Glob
}

// New compiles a Redactor for the given field-name terms.
func New(terms ...string) (*Redactor, error) {
	r := &Redactor{terms: make([]string, 0, len(terms))}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		g, err := glob.Compile("*" + term + "*")
		if err != nil {
			return nil, oops.Code("REDACT_INVALID_TERM").With("term", term).Wrap(err)
		}
		r.terms = append(r.terms, term)
		r.patterns = append(r.patterns, g)
	}
	return r, nil
}

var defaultRedactor = mustNew(DefaultTerms...)

func mustNew(terms ...string) *Redactor {
	r, err := New(terms...)
	if err != nil {
		panic(err)
	}
	return r
}

// Default returns the Redactor built from DefaultTerms.
func Default() *Redactor {
	return defaultRedactor
}

// Terms returns the normalized sensitive terms.
func (r *Redactor) Terms() []string {
	out := make([]string, len(r.terms))
	copy(out, r.terms)
	return out
}

// IsSensitive reports whether a field name matches a sensitive term.
func (r *Redactor) IsSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, g := range r.patterns {
		if g.Match(lower) {
			return true
		}
	}
	return false
}

// Value redacts a single sensitive value.
func Value(v string) string {
	if v == "" || IsRedacted(v) {
		return v
	}
	if len(v) > ShortThreshold {
		return hashPrefix + shortHash(v)
	}
	first, _ := utf8.DecodeRuneInString(v)
	return maskPrefix + string(first) + maskSuffix
}

// IsRedacted reports whether v already has the shape of a redacted value.
func IsRedacted(v string) bool {
	if rest, ok := strings.CutPrefix(v, hashPrefix); ok {
		if len(rest) != hashLen {
			return false
		}
		_, err := hex.DecodeString(rest)
		return err == nil
	}
	if rest, ok := strings.CutPrefix(v, maskPrefix); ok {
		body, ok := strings.CutSuffix(rest, maskSuffix)
		return ok && utf8.RuneCountInString(body) == 1
	}
	return false
}

func shortHash(v string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(v)) //nolint:errcheck // hash writes never fail
	return hex.EncodeToString(h.Sum(nil))[:hashLen]
}

// Map returns a redacted copy of data. Nested maps are redacted recursively
// and every value below a sensitive key is treated as sensitive. Raw
// sensitive values are also scrubbed out of the remaining string fields.
func (r *Redactor) Map(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	var secrets []string
	out := r.redactMap(data, false, &secrets)
	if len(secrets) > 0 {
		// Longest first so a secret containing another is replaced whole.
		sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })
		scrubMap(out, secrets)
	}
	return out
}

func (r *Redactor) redactMap(data map[string]any, sensitive bool, secrets *[]string) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = r.redactValue(v, sensitive || r.IsSensitive(k), secrets)
	}
	return out
}

func (r *Redactor) redactValue(v any, sensitive bool, secrets *[]string) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return r.redactMap(val, sensitive, secrets)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = r.redactValue(item, sensitive, secrets)
		}
		return items
	case []string:
		items := make([]string, len(val))
		for i, item := range val {
			if sensitive {
				items[i] = redactString(item, secrets)
			} else {
				items[i] = item
			}
		}
		return items
	case bool:
		return val
	case string:
		if !sensitive {
			return val
		}
		return redactString(val, secrets)
	default:
		if !sensitive {
			return val
		}
		return redactString(fmt.Sprint(val), secrets)
	}
}

func redactString(v string, secrets *[]string) string {
	if IsRedacted(v) {
		return v
	}
	if len(v) >= scrubMinLen {
		*secrets = append(*secrets, v)
	}
	return Value(v)
}

func scrubMap(m map[string]any, secrets []string) {
	for k, v := range m {
		m[k] = scrubValue(v, secrets)
	}
}

func scrubValue(v any, secrets []string) any {
	switch val := v.(type) {
	case string:
		return scrubString(val, secrets)
	case map[string]any:
		scrubMap(val, secrets)
		return val
	case []any:
		for i := range val {
			val[i] = scrubValue(val[i], secrets)
		}
		return val
	case []string:
		for i := range val {
			val[i] = scrubString(val[i], secrets)
		}
		return val
	default:
		return v
	}
}

func scrubString(s string, secrets []string) string {
	if IsRedacted(s) {
		return s
	}
	for _, secret := range secrets {
		if strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, Value(secret))
		}
	}
	return s
}

// Map redacts data with the default Redactor.
func Map(data map[string]any) map[string]any {
	return defaultRedactor.Map(data)
}

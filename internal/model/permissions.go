package model

import (
	"sort"
	"strings"
)

// Capability tokens checked by the device authentication gate.
const (
	PermissionScan   = "scan"
	PermissionManage = "manage"
)

// Permissions is a normalized set of capability tokens. The previous system
// stored permissions as loosely-shaped JSON and had to sniff for char-arrays
// and double-encoded strings on every read; keeping a dedicated type with a
// single normalization path makes those shapes unrepresentable.
type Permissions []string

// NewPermissions builds a normalized set: trimmed, lowercased, deduplicated,
// sorted. Empty tokens are dropped.
func NewPermissions(tokens ...string) Permissions {
	seen := make(map[string]struct{}, len(tokens))
	out := make(Permissions, 0, len(tokens))
	for _, token := range tokens {
		token = strings.ToLower(strings.TrimSpace(token))
		if token == "" {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

func (p Permissions) Has(token string) bool {
	for _, t := range p {
		if t == token {
			return true
		}
	}
	return false
}

// With returns a normalized copy including token.
func (p Permissions) With(token string) Permissions {
	return NewPermissions(append(append([]string{}, p...), token)...)
}

// Normalized reports whether p is already in canonical form. Used to detect
// historical rows that need a corrective write-back.
func (p Permissions) Normalized() bool {
	canon := NewPermissions(p...)
	if len(canon) != len(p) {
		return false
	}
	for i := range p {
		if p[i] != canon[i] {
			return false
		}
	}
	return true
}

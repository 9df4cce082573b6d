// Package models defines the conversation data model shared by the parley client.
package models

import "strconv"

// Int64Ptr returns a pointer to v. Handy for optional ids in literals.
func Int64Ptr(v int64) *int64 {
	return &v
}

// SameID reports whether two optional ids are equal. Two nil ids are equal.
func SameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// FormatID renders an optional id for logs and CLI output.
func FormatID(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}

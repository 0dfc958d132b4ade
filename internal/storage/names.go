package storage

import "strings"

const (
	// Prefix namespaces every key the SDK writes.
	Prefix = "COX"
	// UnsentPrefix namespaces persisted destination queues.
	UnsentPrefix = Prefix + "_unsent"

	DefaultTokenLimit = 25
)

// GetStorageName builds "<prefix>_<token[:limit]>_<postKey>", skipping empty
// parts. A limit <= 0 uses DefaultTokenLimit.
func GetStorageName(token, prefix, postKey string, limit int) string {
	if limit <= 0 {
		limit = DefaultTokenLimit
	}
	if len(token) > limit {
		token = token[:limit]
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{prefix, token, postKey} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "_")
}

// GetCookieName is the session key for a project token.
func GetCookieName(token string) string {
	return GetStorageName(token, Prefix, "", DefaultTokenLimit)
}

// UnsentKey is the persisted queue key of one destination coverage.
func UnsentKey(token, coverage string) string {
	return GetStorageName(token, UnsentPrefix+"_"+coverage, "", DefaultTokenLimit)
}

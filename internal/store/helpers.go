package store

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Metadata keys.
const (
	MetaScriptsHash   = "scripts_hash"
	MetaConfigHash    = "config_hash"
	MetaRegistryHash  = "registry_hash"
	MetaRegistryHost  = "registry_host"
	MetaSchemaVersion = "schema_version"
)

// ContentHash returns the hex SHA-256 of a unit's bytes.
func ContentHash(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}

// placeholderList returns "?,?,?" for n placeholders.
func placeholderList(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

// stringsToArgs converts []string to []any for use with database/sql.
func stringsToArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

package misc

import "strings"

func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "no such file")
}

// ShortRef abbreviates long identifiers such as wallet addresses to head...tail form
func ShortRef(ref string) string {
	if len(ref) <= 12 {
		return ref
	}
	return ref[:6] + "..." + ref[len(ref)-4:]
}

package retry

import "strings"

// Category is the closed classification of why a technical effect failed.
type Category string

const (
	CategoryNetworkError     Category = "network_error"
	CategoryStorageTemporary Category = "storage_temporary"
	CategoryPermissionDenied Category = "permission_denied"
	CategoryInvalidInput     Category = "invalid_input"
	CategoryTimeout          Category = "timeout"
	CategoryUnknown          Category = "unknown"
)

// Categories lists every category in declaration order.
func Categories() []Category {
	return []Category{
		CategoryNetworkError,
		CategoryStorageTemporary,
		CategoryPermissionDenied,
		CategoryInvalidInput,
		CategoryTimeout,
		CategoryUnknown,
	}
}

// ParseCategory normalizes raw text into a Category, falling back to unknown.
func ParseCategory(raw string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	if c.Valid() {
		return c
	}
	return CategoryUnknown
}

func (c Category) Valid() bool {
	switch c {
	case CategoryNetworkError,
		CategoryStorageTemporary,
		CategoryPermissionDenied,
		CategoryInvalidInput,
		CategoryTimeout,
		CategoryUnknown:
		return true
	default:
		return false
	}
}

func (c Category) String() string {
	return string(c)
}

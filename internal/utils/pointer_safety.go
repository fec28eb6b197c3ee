package utils

// Value dereferences v, returning the zero value for nil.
func Value[T any](v *T) T {
	if v == nil {
		return *new(T)
	}
	return *v
}

func Ptr[T any](v T) *T {
	return &v
}

// NilIfEmpty returns nil for "" so optional string fields encode as null.
func NilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Clone returns a copy of s that shares no backing array with it.
func Clone[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}

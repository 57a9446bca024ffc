package utils

// Must panics when err is non-nil and returns v otherwise.
// Use it only for initialization that cannot reasonably fail at runtime.
func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}

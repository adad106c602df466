package util

// ApplyConversion applies a converter function to each of the models
// provided to this function. The returned value is a slice which
// has been converted to the new values based on the returned value
// from the converter. A nil slice of models produces an empty slice.
func ApplyConversion[T any, K any](models []T, converter func(T) K) []K {
	dtos := make([]K, 0, len(models))
	for _, v := range models {
		dtos = append(dtos, converter(v))
	}

	return dtos
}

// NilIfZero returns nil if the value provided is the zero value
// of its type, else a pointer to a copy of the value. Useful for
// rendering optional values as JSON nulls.
func NilIfZero[T comparable](value T) *T {
	var zero T
	if value == zero {
		return nil
	}

	return &value
}

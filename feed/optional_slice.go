package feed

import "github.com/moznion/go-optional"

// OptionalFirst returns optional.Some with the first element of a slice if
// available, otherwise optional.None.
func OptionalFirst[S ~[]E, E any](s S) optional.Option[E] {
	if len(s) == 0 {
		return optional.None[E]()
	}
	return optional.Some(s[0])
}

// OptionalFind returns the first element accepted by fn.
func OptionalFind[S ~[]E, E any](s S, fn func(E) bool) optional.Option[E] {
	for _, e := range s {
		if fn(e) {
			return optional.Some(e)
		}
	}
	return optional.None[E]()
}

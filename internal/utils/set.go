// Package utils holds small generic helpers shared by the other packages.
package utils

// Set is a generic set of comparable values, implemented as a map to empty structs.
type Set[T comparable] map[T]struct{}

// MakeSet returns an empty Set with optional space reserved for size elements.
func MakeSet[T comparable](size ...int) Set[T] {
	if len(size) > 0 {
		return make(Set[T], size[0])
	}
	return make(Set[T])
}

// Has returns whether the set contains the given element.
func (s Set[T]) Has(element T) bool {
	_, found := s[element]
	return found
}

// Insert adds the given elements to the set.
func (s Set[T]) Insert(elements ...T) {
	for _, element := range elements {
		s[element] = struct{}{}
	}
}

package search

// IgnoreList holds the result codes that do not end an operation, and how
// often each has been seen.
type IgnoreList struct {
	codes map[uint16]struct{}
	seen  map[uint16]int
}

// NewIgnoreList creates an ignore list for codes.
func NewIgnoreList(codes []uint16) *IgnoreList {
	l := &IgnoreList{
		codes: make(map[uint16]struct{}, len(codes)),
		seen:  make(map[uint16]int),
	}
	for _, code := range codes {
		l.codes[code] = struct{}{}
	}
	return l
}

// Contains reports whether code is ignored.
func (l *IgnoreList) Contains(code uint16) bool {
	_, ok := l.codes[code]
	return ok
}

// Observe records an occurrence of code and returns how many times it has now been seen.
func (l *IgnoreList) Observe(code uint16) int {
	l.seen[code]++
	return l.seen[code]
}

package valueobject

type Source string

const (
	SourcePurchase Source = "purchase"
	SourceRestore  Source = "restore"
	SourceUnknown  Source = "unknown"
)

// NewSource creates a Source value object, degrading unknown input to SourceUnknown
func NewSource(source string) Source {
	s := Source(source)
	switch s {
	case SourcePurchase, SourceRestore:
		return s
	default:
		return SourceUnknown
	}
}

// String returns the string representation of the source
func (s Source) String() string {
	return string(s)
}

package lock

// Level is the coarse lock scale a file handle moves through. Levels
// between Shared and Exclusive admit like their SQLite counterparts but
// carry no protocol actions of their own.
type Level int

const (
	LevelNone Level = iota
	LevelShared
	LevelReserved
	LevelExclusive
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelShared:
		return "shared"
	case LevelReserved:
		return "reserved"
	case LevelExclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

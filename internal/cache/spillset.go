package cache

type SpillSet map[uint32]struct{}

func NewSpillSet() SpillSet {
	return make(SpillSet)
}

func (s SpillSet) Add(index uint32) {
	s[index] = struct{}{}
}

func (s SpillSet) Remove(index uint32) {
	delete(s, index)
}

func (s SpillSet) Contains(index uint32) bool {
	_, exists := s[index]
	return exists
}

func (s SpillSet) Size() int {
	return len(s)
}

func (s SpillSet) ToSlice() []uint32 {
	result := make([]uint32, 0, len(s))
	for index := range s {
		result = append(result, index)
	}
	return result
}

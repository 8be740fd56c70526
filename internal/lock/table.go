package lock

import "sync"

// Table admits lock levels per file name across the handles of one
// process. Any number of holders may sit at Shared, one at Reserved, one
// at Exclusive with no other holder above None. Acquisition blocks until
// admissible; no timeout is applied. Exclusion against other processes
// is outside this table's scope.
type Table struct {
	mu    sync.Mutex
	cond  *sync.Cond
	files map[string]map[string]Level
}

func NewTable() *Table {
	t := &Table{files: make(map[string]map[string]Level)}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *Table) acquire(name, owner string, to Level) {
	t.mu.Lock()
	defer t.mu.Unlock()

	holders, ok := t.files[name]
	if !ok {
		holders = make(map[string]Level)
		t.files[name] = holders
	}
	for !admissible(holders, owner, to) {
		t.cond.Wait()
	}
	holders[owner] = to
}

func (t *Table) release(name, owner string, to Level) {
	t.mu.Lock()
	defer t.mu.Unlock()

	holders, ok := t.files[name]
	if !ok {
		return
	}
	if to == LevelNone {
		delete(holders, owner)
		if len(holders) == 0 {
			delete(t.files, name)
		}
	} else {
		holders[owner] = to
	}
	t.cond.Broadcast()
}

func admissible(holders map[string]Level, owner string, to Level) bool {
	for other, held := range holders {
		if other == owner {
			continue
		}
		if to >= LevelExclusive && held > LevelNone {
			return false
		}
		if to >= LevelReserved && held >= LevelReserved {
			return false
		}
		if held >= LevelExclusive {
			return false
		}
	}
	return true
}

package cache

import (
	"container/list"
	"context"

	"github.com/blockkv/blockkv/internal/kv"
)

const DefaultCapacity = 2048

type Block struct {
	Index uint32
	Data  []byte
}

// BlockCache holds one file's pending block writes. It keeps up to
// capacity blocks in memory, oldest first; inserting beyond capacity
// spills the oldest block other than block 0 to the overflow table and
// notes its index in the spill set. The cache is not safe for concurrent
// use; the owning file serializes access.
type BlockCache struct {
	name       string
	store      kv.Store
	capacity   int
	order      *list.List
	blocks     map[uint32]*list.Element
	spill      SpillSet
	overflowed bool
}

func NewBlockCache(store kv.Store, name string, capacity int) *BlockCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &BlockCache{
		name:     name,
		store:    store,
		capacity: capacity,
		order:    list.New(),
		blocks:   make(map[uint32]*list.Element),
		spill:    NewSpillSet(),
	}
}

// Put records data as the newest pending write for index. The cache takes
// ownership of data. Any spilled copy of the same index is superseded.
func (c *BlockCache) Put(index uint32, data []byte) {
	c.spill.Remove(index)

	if elem, ok := c.blocks[index]; ok {
		elem.Value.(*Block).Data = data
		c.order.MoveToBack(elem)
		return
	}

	c.blocks[index] = c.order.PushBack(&Block{Index: index, Data: data})
	for c.order.Len() > c.capacity {
		if !c.evict() {
			break
		}
	}
}

// evict spills the oldest block whose index is not 0. Block 0 carries the
// file header and must stay reachable without a store round trip, so if
// no other block remains the cache is left over capacity.
func (c *BlockCache) evict() bool {
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		b := elem.Value.(*Block)
		if b.Index == 0 {
			continue
		}
		c.order.Remove(elem)
		delete(c.blocks, b.Index)
		c.spill.Add(b.Index)
		c.overflowed = true
		c.store.PutAsync(kv.TableOverflow, kv.Record{
			Key:  kv.Key{Name: c.name, Index: b.Index},
			Data: b.Data,
		})
		return true
	}
	return false
}

// Peek returns the cached data for index without touching the store.
func (c *BlockCache) Peek(index uint32) ([]byte, bool) {
	elem, ok := c.blocks[index]
	if !ok {
		return nil, false
	}
	return elem.Value.(*Block).Data, true
}

// Get returns the block data for index: from the cache if present, else
// from the overflow table if the index was spilled, else from the
// primary table. A cached block may be mutated in place by a later Put,
// so callers copy out what they need before writing to the same index.
func (c *BlockCache) Get(ctx context.Context, index uint32) ([]byte, error) {
	if data, ok := c.Peek(index); ok {
		return data, nil
	}

	table := kv.TablePrimary
	if c.spill.Contains(index) {
		table = kv.TableOverflow
	}

	var data []byte
	err := c.store.RunTransaction(ctx, func(tx kv.Tx) error {
		t := tx.Primary()
		if table == kv.TableOverflow {
			t = tx.Overflow()
		}
		var err error
		data, err = t.Get(kv.Key{Name: c.name, Index: index})
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Blocks returns the cached blocks oldest first.
func (c *BlockCache) Blocks() []Block {
	result := make([]Block, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		result = append(result, *elem.Value.(*Block))
	}
	return result
}

func (c *BlockCache) Spill() SpillSet {
	return c.spill
}

// Overflowed reports whether any block has spilled since the last Clear.
func (c *BlockCache) Overflowed() bool {
	return c.overflowed
}

func (c *BlockCache) Len() int {
	return c.order.Len()
}

func (c *BlockCache) Capacity() int {
	return c.capacity
}

func (c *BlockCache) Clear() {
	c.order.Init()
	c.blocks = make(map[uint32]*list.Element)
	c.spill = NewSpillSet()
	c.overflowed = false
}

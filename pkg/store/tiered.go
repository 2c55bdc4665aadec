package store

// Tiered reads through a memory tier to a durable tier. Writes go to disk
// first so the durable tier stays the source of truth.
type Tiered struct {
	mem  *Memory
	disk Store
}

func NewTiered(mem *Memory, disk Store) *Tiered {
	return &Tiered{mem: mem, disk: disk}
}

func (t *Tiered) Get(key string) ([]byte, bool, error) {
	if v, ok, _ := t.mem.Get(key); ok {
		return v, true, nil
	}
	v, ok, err := t.disk.Get(key)
	if err != nil || !ok {
		return nil, false, err
	}
	t.mem.Put(key, v)
	return v, true, nil
}

func (t *Tiered) Put(key string, value []byte) error {
	if err := t.disk.Put(key, value); err != nil {
		return err
	}
	return t.mem.Put(key, value)
}

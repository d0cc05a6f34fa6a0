package dispatch

// queue is the live ordered job sequence: a high tier ahead of a normal
// tier, FIFO inside each tier. It is not synchronized.
type queue struct {
	high   []*entry
	normal []*entry
}

func (q *queue) tier(p Priority) *[]*entry {
	if p == PriorityHigh {
		return &q.high
	}
	return &q.normal
}

func (q *queue) Len() int { return len(q.high) + len(q.normal) }

// PushBack appends e to the tail of its tier and returns its 1-based
// position in dispatch order.
func (q *queue) PushBack(e *entry) int {
	t := q.tier(e.Priority)
	*t = append(*t, e)
	if e.Priority == PriorityHigh {
		return len(q.high)
	}
	return len(q.high) + len(q.normal)
}

// PushFront puts e at the head of its tier.
func (q *queue) PushFront(e *entry) {
	t := q.tier(e.Priority)
	*t = append(*t, nil)
	copy((*t)[1:], *t)
	(*t)[0] = e
}

// Pop removes the next job in dispatch order.
func (q *queue) Pop() *entry {
	for _, t := range []*[]*entry{&q.high, &q.normal} {
		if len(*t) == 0 {
			continue
		}
		e := (*t)[0]
		(*t)[0] = nil
		*t = (*t)[1:]
		return e
	}
	return nil
}

// Remove deletes the job with id and returns it.
func (q *queue) Remove(id string) *entry {
	for _, t := range []*[]*entry{&q.high, &q.normal} {
		for i, e := range *t {
			if e.ID != id {
				continue
			}
			copy((*t)[i:], (*t)[i+1:])
			(*t)[len(*t)-1] = nil
			*t = (*t)[:len(*t)-1]
			return e
		}
	}
	return nil
}

// Each visits jobs in dispatch order until fn returns false.
func (q *queue) Each(fn func(pos int, e *entry) bool) {
	pos := 0
	for _, t := range [][]*entry{q.high, q.normal} {
		for _, e := range t {
			pos++
			if !fn(pos, e) {
				return
			}
		}
	}
}

func (q *queue) Depths() (high, normal int) { return len(q.high), len(q.normal) }

// Drain empties the queue and returns what it held, in dispatch order.
func (q *queue) Drain() []*entry {
	out := make([]*entry, 0, q.Len())
	out = append(out, q.high...)
	out = append(out, q.normal...)
	q.high, q.normal = nil, nil
	return out
}

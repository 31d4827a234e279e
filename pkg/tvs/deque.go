package tvs

// deque is a growable ring buffer.
type deque struct {
	buf   [][]byte
	head  int
	count int
}

func (d *deque) len() int { return d.count }

func (d *deque) grow(min int) {
	if len(d.buf)-d.count >= min {
		return
	}
	n := len(d.buf) * 2
	if n < 8 {
		n = 8
	}
	for n-d.count < min {
		n *= 2
	}
	nb := make([][]byte, n)
	for i := 0; i < d.count; i++ {
		nb[i] = d.buf[(d.head+i)%len(d.buf)]
	}
	d.buf = nb
	d.head = 0
}

func (d *deque) pushBack(b []byte) {
	d.grow(1)
	d.buf[(d.head+d.count)%len(d.buf)] = b
	d.count++
}

func (d *deque) pushFront(b []byte) {
	d.grow(1)
	d.head = (d.head - 1 + len(d.buf)) % len(d.buf)
	d.buf[d.head] = b
	d.count++
}

func (d *deque) popFront() []byte {
	if d.count == 0 {
		return nil
	}
	b := d.buf[d.head]
	d.buf[d.head] = nil
	d.head = (d.head + 1) % len(d.buf)
	d.count--
	return b
}

func (d *deque) popBack() []byte {
	if d.count == 0 {
		return nil
	}
	i := (d.head + d.count - 1) % len(d.buf)
	b := d.buf[i]
	d.buf[i] = nil
	d.count--
	return b
}

func (d *deque) at(i int) []byte {
	return d.buf[(d.head+i)%len(d.buf)]
}

func (d *deque) each(fn func([]byte)) {
	for i := 0; i < d.count; i++ {
		fn(d.at(i))
	}
}

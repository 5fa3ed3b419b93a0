package transport

// WriteQueue holds serialized chunks waiting for the socket. Partially
// written chunks keep their unwritten remainder at the head.
type WriteQueue struct {
	chunks [][]byte
	size   int
}

func (q *WriteQueue) Push(b []byte) {
	if len(b) == 0 {
		return
	}
	q.chunks = append(q.chunks, b)
	q.size += len(b)
}

// Len is the number of unwritten bytes.
func (q *WriteQueue) Len() int {
	return q.size
}

func (q *WriteQueue) Empty() bool {
	return q.size == 0
}

// Flush writes chunks in order until the queue empties or w stops accepting
// bytes. It reports whether the queue is now empty.
func (q *WriteQueue) Flush(w interface{ WriteSome([]byte) (int, error) }) (bool, error) {
	for len(q.chunks) > 0 {
		head := q.chunks[0]
		n, err := w.WriteSome(head)
		if n > 0 {
			q.size -= n
			if n < len(head) {
				q.chunks[0] = head[n:]
			} else {
				q.chunks[0] = nil
				q.chunks = q.chunks[1:]
			}
		}
		if err != nil {
			return false, err
		}
		if n < len(head) {
			return false, nil
		}
	}
	q.chunks = nil
	return true, nil
}

// Reset discards everything queued.
func (q *WriteQueue) Reset() {
	q.chunks = nil
	q.size = 0
}

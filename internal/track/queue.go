package track

// ConnQueue is an intrusive doubly-linked list of connections, usable as a
// queue or a stack. The connections' own prev/next fields are the links, so
// a connection belongs to at most one queue at a time.
type ConnQueue struct {
	head *Connection
	size int
}

func NewConnQueue() *ConnQueue { return &ConnQueue{} }

func (q *ConnQueue) Size() int         { return q.size }
func (q *ConnQueue) Head() *Connection { return q.head }

// Push inserts the connection at the head.
func (q *ConnQueue) Push(conn *Connection) int {
	conn.prev = nil
	if q.head != nil {
		q.head.prev = conn
	}
	conn.next = q.head
	q.head = conn
	q.size++
	return q.size
}

// Remove unlinks a member from the queue, fixing its neighbors' links and
// clearing the member's own. The connection must be on this queue.
func (q *ConnQueue) Remove(conn *Connection) int {
	if conn.prev == nil {
		q.head = conn.next
		if q.head != nil {
			q.head.prev = nil
		}
	} else {
		conn.prev.next = conn.next
		if conn.next != nil {
			conn.next.prev = conn.prev
		}
	}
	conn.prev = nil
	conn.next = nil
	q.size--
	return q.size
}

// Pop removes and returns the head, nil when empty.
func (q *ConnQueue) Pop() *Connection {
	conn := q.head
	if conn != nil {
		q.Remove(conn)
	}
	return conn
}

// Drain pops every member. With dispose set, each connection's links and
// group pointer are fully cleared; the caller must already have removed it
// from the connection table.
func (q *ConnQueue) Drain(dispose bool) {
	for q.size != 0 {
		conn := q.Pop()
		if dispose {
			conn.group = nil
		}
	}
}

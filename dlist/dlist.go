package dlist

import "errors"

var ErrNotMember = errors.New("dlist: node does not belong to this list")

// ListNode is intrusive: a node can be linked into at most one list at a time
// and moved between lists without reallocation.
type ListNode[T any] struct {
	Prev  *ListNode[T]
	Next  *ListNode[T]
	Value T

	list *List[T]
}

// List returns the list the node is linked into, nil if none.
func (n *ListNode[T]) List() *List[T] {
	return n.list
}

type ListIter[T any] struct {
	next      *ListNode[T]
	Direction int
}

type List[T any] struct {
	Head   *ListNode[T]
	Tail   *ListNode[T]
	Length int
}

const (
	DIRECTION_HEAD = iota
	DIRECTION_TAIL
)

// Empty the list, unlinking every node
func (l *List[T]) Empty() {
	current := l.Head
	for current != nil {
		next := current.Next
		current.Prev, current.Next, current.list = nil, nil, nil
		current = next
	}
	l.Head, l.Tail = nil, nil
	l.Length = 0
}

// LinkTail links an unlinked node at the tail.
func (l *List[T]) LinkTail(node *ListNode[T]) {
	if node.list != nil {
		panic("dlist: node is already linked")
	}
	node.list = l
	node.Next = nil
	if l.Tail == nil {
		node.Prev = nil
		l.Head, l.Tail = node, node
	} else {
		node.Prev, l.Tail.Next, l.Tail = l.Tail, node, node
	}
	l.Length++
}

// RemoveNode a node from the list
func (l *List[T]) RemoveNode(node *ListNode[T]) error {
	if node.list != l {
		return ErrNotMember
	}
	if node.Prev != nil {
		node.Prev.Next = node.Next
	} else {
		l.Head = node.Next
	}
	if node.Next != nil {
		node.Next.Prev = node.Prev
	} else {
		l.Tail = node.Prev
	}
	node.Next, node.Prev, node.list = nil, nil, nil
	l.Length--
	return nil
}

// PopHead unlinks and returns the head node, nil when empty.
func (l *List[T]) PopHead() *ListNode[T] {
	node := l.Head
	if node != nil {
		_ = l.RemoveNode(node)
	}
	return node
}

// Iter returns an iterator starting from the head or the tail.
func (l *List[T]) Iter(direction int) *ListIter[T] {
	it := &ListIter[T]{Direction: direction}
	if direction == DIRECTION_HEAD {
		it.next = l.Head
	} else {
		it.next = l.Tail
	}
	return it
}

// Next returns the next node or nil. The returned node may be removed
// before the following call.
func (it *ListIter[T]) Next() *ListNode[T] {
	current := it.next
	if current != nil {
		if it.Direction == DIRECTION_HEAD {
			it.next = current.Next
		} else {
			it.next = current.Prev
		}
	}
	return current
}

// Len ...
func (l *List[T]) Len() int {
	return l.Length
}

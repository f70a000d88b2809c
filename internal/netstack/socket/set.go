package socket

import "sort"

// Set owns the sockets of an interface and hands out their handles. Handles
// are never reused, so a stale handle cannot alias a newer socket.
type Set struct {
	next    Handle
	sockets map[Handle]Socket
}

func NewSet() *Set {
	return &Set{sockets: make(map[Handle]Socket)}
}

// Add stores sock and returns its new handle.
func (s *Set) Add(sock Socket) Handle {
	h := s.next
	s.next++
	s.sockets[h] = sock
	return h
}

func (s *Set) Get(h Handle) (Socket, bool) {
	sock, ok := s.sockets[h]
	return sock, ok
}

// Get returns the socket at h if it is a T.
func Get[T Socket](s *Set, h Handle) (T, bool) {
	sock, ok := s.sockets[h].(T)
	return sock, ok
}

// Remove drops the socket at h and returns it.
func (s *Set) Remove(h Handle) (Socket, bool) {
	sock, ok := s.sockets[h]
	if ok {
		delete(s.sockets, h)
	}
	return sock, ok
}

func (s *Set) Len() int {
	return len(s.sockets)
}

// Handles returns the live handles in ascending order.
func (s *Set) Handles() []Handle {
	out := make([]Handle, 0, len(s.sockets))
	for h := range s.sockets {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Range calls fn for each socket in handle order until fn returns false.
func (s *Set) Range(fn func(Handle, Socket) bool) {
	for _, h := range s.Handles() {
		if !fn(h, s.sockets[h]) {
			return
		}
	}
}

package tunnel

// allocStreamIDLocked returns the next stream id and advances the
// counter. Must be called while holding Session.mu. IDs are never
// recycled within a connectionId (spec invariant 1).
func (s *Session) allocStreamIDLocked() uint32 {
	id := s.nextStreamID
	s.nextStreamID++
	return id
}

// streamCountLocked returns |HTTP streams| + |WS streams| (spec
// invariant 3). Must be called while holding Session.mu.
func (s *Session) streamCountLocked() int {
	return len(s.http) + len(s.ws)
}

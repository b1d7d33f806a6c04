package core

// Close releases the database connection. It is safe to call more than
// once; subsequent calls are a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return err
		}
	}

	s.opLogger("close").Info("store closed")
	return nil
}

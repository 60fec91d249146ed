package memory

// LockCount возвращает число блокировок заказов, которые хранилище держит в памяти.
func LockCount(s *LedgerStore) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

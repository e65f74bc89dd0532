package usedcss

import "sync"

// Notice is the one-shot result message shown to an admin after a clear
type Notice struct {
	Status  string `json:"status"` // success | error
	Message string `json:"message"`
}

// Notice statuses
const (
	NoticeSuccess = "success"
	NoticeError   = "error"
)

// NoticeStore keeps at most one pending notice per principal
type NoticeStore struct {
	mu      sync.Mutex
	notices map[string]Notice
}

// NewNoticeStore creates an empty notice store
func NewNoticeStore() *NoticeStore {
	return &NoticeStore{notices: make(map[string]Notice)}
}

// Put replaces the principal's pending notice
func (s *NoticeStore) Put(principal string, n Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices[principal] = n
}

// Take returns and removes the principal's pending notice
func (s *NoticeStore) Take(principal string) (Notice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notices[principal]
	if ok {
		delete(s.notices, principal)
	}
	return n, ok
}

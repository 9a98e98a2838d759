package session

import (
	"net/http"
	"sync"

	"golang.org/x/oauth2"
)

// MemoryStore keeps sessions in process. It is meant for development and tests.
type MemoryStore struct {
	cookie string

	lock  sync.Mutex
	store map[string]oauth2.Token
}

func NewMemoryStore(cookieName string) *MemoryStore {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &MemoryStore{
		cookie: cookieName,
		store:  make(map[string]oauth2.Token),
	}
}

func (s *MemoryStore) Lookup(r *http.Request) (*oauth2.Token, error) {
	id, ok := ID(r, s.cookie)
	if !ok {
		return nil, nil
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	tok, ok := s.store[id]
	if !ok {
		return nil, nil
	}
	return &tok, nil
}

func (s *MemoryStore) Save(r *http.Request, tok *oauth2.Token) error {
	id, ok := ID(r, s.cookie)
	if !ok || tok == nil {
		return nil
	}
	s.Put(id, *tok)
	return nil
}

// Put stores tok under the session id.
func (s *MemoryStore) Put(id string, tok oauth2.Token) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.store[id] = tok
}

func (s *MemoryStore) Delete(id string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.store, id)
}

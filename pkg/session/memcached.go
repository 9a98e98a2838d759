package session

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// memcacheClient is the subset of *memcache.Client the store uses.
type memcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
}

// MemcachedStore reads sessions the identity provider writes to Memcached.
// Values are JSON encoded oauth2.Token documents.
type MemcachedStore struct {
	client     memcacheClient
	cookie     string
	expiration int32
}

// NewMemcachedStore creates a store from a list of Memcached servers
// and key expiration time given in seconds.
func NewMemcachedStore(cookieName string, expiration int32, servers ...string) *MemcachedStore {
	return newMemcachedStore(memcache.New(servers...), cookieName, expiration)
}

func newMemcachedStore(c memcacheClient, cookieName string, expiration int32) *MemcachedStore {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &MemcachedStore{client: c, cookie: cookieName, expiration: expiration}
}

func (s *MemcachedStore) Lookup(r *http.Request) (*oauth2.Token, error) {
	id, ok := ID(r, s.cookie)
	if !ok {
		return nil, nil
	}

	i, err := s.client.Get(Key(id))
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to retrieve session")
	}

	tok := &oauth2.Token{}
	if err := json.Unmarshal(i.Value, tok); err != nil {
		return nil, errors.Wrap(err, "failed to decode session")
	}
	return tok, nil
}

func (s *MemcachedStore) Save(r *http.Request, tok *oauth2.Token) error {
	id, ok := ID(r, s.cookie)
	if !ok || tok == nil {
		return nil
	}

	data, err := json.Marshal(tok)
	if err != nil {
		return errors.Wrap(err, "failed to encode session")
	}
	return errors.Wrap(s.client.Set(&memcache.Item{
		Key:        Key(id),
		Value:      data,
		Expiration: s.expiration,
	}), "failed to store session")
}

// Key hashes the session id to ensure that it is less than 250 bytes,
// as Memcached cannot handle longer keys.
func Key(id string) string {
	return fmt.Sprintf("session:%x", sha256.Sum256([]byte(id)))
}

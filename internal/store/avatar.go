package store

import "sync"

const avatarKeyPrefix = "avatar_"

// AvatarCache memoizes user avatar references in memory on top of the kv
// table. Each DB owns its own cache.
type AvatarCache struct {
	db *DB

	mu      sync.RWMutex
	entries map[string]string
}

func newAvatarCache(db *DB) *AvatarCache {
	return &AvatarCache{db: db, entries: make(map[string]string)}
}

// Get returns the avatar reference of userID, or "" if unknown.
func (c *AvatarCache) Get(userID string) (string, error) {
	if userID == "" {
		return "", nil
	}
	c.mu.RLock()
	v, ok := c.entries[userID]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	v, _, err := c.db.GetValue(avatarKeyPrefix + userID)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.entries[userID] = v
	c.mu.Unlock()
	return v, nil
}

// Set records the avatar reference of userID.
func (c *AvatarCache) Set(userID, avatar string) error {
	if err := c.db.SetValue(avatarKeyPrefix+userID, avatar); err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[userID] = avatar
	c.mu.Unlock()
	return nil
}

// Forget drops the memoized entry so the next Get reads the table again.
func (c *AvatarCache) Forget(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

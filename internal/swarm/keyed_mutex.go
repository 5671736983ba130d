package swarm

import "github.com/moby/locker"

// keyedMutex serializes work per record. Records are locked by infohash;
// content ids share the same locker under a prefix so the two key spaces
// never collide. A content id lock is always taken before any infohash lock.
type keyedMutex struct {
	l locker.Locker
}

func (k *keyedMutex) Lock(key string) func() {
	k.l.Lock(key)
	return func() { _ = k.l.Unlock(key) }
}

func (k *keyedMutex) LockContentID(contentID string) func() {
	return k.Lock("content-id:" + contentID)
}

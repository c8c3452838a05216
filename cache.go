package relay

import "sync"

// ============================================================================
// Conversation Cache
// ============================================================================

// conversationCache is the keyed in-memory store behind instant conversation
// switching. Every mutation computes the full new entry for a key and then
// replaces that key in one step — entries are never patched in place, so a
// reader can never observe a half-updated entry.
//
// Each key also carries the fetch sequence number of the last applied write.
// Poll responses are issued with a monotonic per-conversation sequence; a
// slow response that arrives after a newer one has already been applied is
// discarded instead of silently overwriting fresher state.
type conversationCache struct {
	mu          sync.RWMutex
	entries     map[string]CacheEntry
	seqs        map[string]uint64
	appliedSeqs map[string]uint64
}

func newConversationCache() *conversationCache {
	return &conversationCache{
		entries:     make(map[string]CacheEntry),
		seqs:        make(map[string]uint64),
		appliedSeqs: make(map[string]uint64),
	}
}

// get returns a copy of the entry for a conversation. O(1) map lookup plus a
// slice copy; never blocks on I/O.
func (c *conversationCache) get(conversationID string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[conversationID]
	if !ok {
		return CacheEntry{}, false
	}
	return copyEntry(entry), true
}

// put replaces the entry for a conversation wholesale. Callers pass an
// already-sorted message sequence. Writes from the send-reconciliation path
// use put directly: they derive from the current entry and must always win.
func (c *conversationCache) put(conversationID string, messages []Message, participants []UserSummary) {
	c.mu.Lock()
	c.entries[conversationID] = CacheEntry{Messages: messages, Participants: participants}
	c.mu.Unlock()
}

// nextSeq allocates the fetch sequence number for an outgoing poll of a
// conversation.
func (c *conversationCache) nextSeq(conversationID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqs[conversationID]++
	return c.seqs[conversationID]
}

// putIfNewer replaces the entry only if no poll response with a higher
// sequence has been applied for this key. Returns false when the write was
// stale and dropped.
func (c *conversationCache) putIfNewer(conversationID string, seq uint64, messages []Message, participants []UserSummary) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if applied, ok := c.appliedSeqs[conversationID]; ok && seq <= applied {
		return false
	}
	c.appliedSeqs[conversationID] = seq
	c.entries[conversationID] = CacheEntry{Messages: messages, Participants: participants}
	return true
}

// update applies fn to the current entry (zero value if absent) and replaces
// the key with the result in one critical section, so concurrent send
// reconciliations cannot interleave inside a read-modify-write.
func (c *conversationCache) update(conversationID string, fn func(CacheEntry) CacheEntry) {
	c.mu.Lock()
	entry := copyEntry(c.entries[conversationID])
	c.entries[conversationID] = fn(entry)
	c.mu.Unlock()
}

// messageIDs returns the set of message ids currently cached for a
// conversation, used by the notification diff.
func (c *conversationCache) messageIDs(conversationID string) map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make(map[string]bool)
	for _, m := range c.entries[conversationID].Messages {
		ids[m.ID] = true
	}
	return ids
}

// reset drops every entry. Only an application-level reset (logout) calls
// this; entries otherwise live for the whole process.
func (c *conversationCache) reset() {
	c.mu.Lock()
	c.entries = make(map[string]CacheEntry)
	c.seqs = make(map[string]uint64)
	c.appliedSeqs = make(map[string]uint64)
	c.mu.Unlock()
}

func copyEntry(e CacheEntry) CacheEntry {
	out := CacheEntry{
		Messages:     make([]Message, len(e.Messages)),
		Participants: make([]UserSummary, len(e.Participants)),
	}
	copy(out.Messages, e.Messages)
	copy(out.Participants, e.Participants)
	return out
}

// ABOUTME: Canonical-key resolution for session store content
// ABOUTME: Merges legacy alias entries into the canonical key so a session is never duplicated

package session

// ResolveCanonicalEntry returns the entry for canonicalKey after folding any
// aliases into it. When the canonical key exists it wins; otherwise the first
// candidate present in store is promoted to the canonical key. Every
// non-canonical candidate is removed from store. The entry is nil when no
// spelling exists.
func ResolveCanonicalEntry(store Map, canonicalKey string, candidates []string) (string, *Entry) {
	entry := store[canonicalKey]

	for _, alias := range candidates {
		if alias == canonicalKey {
			continue
		}
		aliased, ok := store[alias]
		if !ok {
			continue
		}
		if entry == nil {
			entry = aliased
		}
		delete(store, alias)
	}

	if entry != nil {
		store[canonicalKey] = entry
	}
	return canonicalKey, entry
}

// lookupEntry finds the entry for canonicalKey without modifying store.
func lookupEntry(store Map, canonicalKey string, candidates []string) *Entry {
	if e, ok := store[canonicalKey]; ok {
		return e
	}
	for _, alias := range candidates {
		if e, ok := store[alias]; ok {
			return e
		}
	}
	return nil
}

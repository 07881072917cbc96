// ABOUTME: Tests for ResolveCanonicalEntry
// ABOUTME: Canonical wins over aliases, the first alias is promoted, and aliases never survive

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveCanonicalEntry_CanonicalWins(t *testing.T) {
	canonical := &Entry{SessionID: "canonical"}
	store := Map{
		"agent:main:s1": canonical,
		"s1":            {SessionID: "legacy"},
	}

	key, entry := ResolveCanonicalEntry(store, "agent:main:s1", []string{"agent:main:s1", "S1", "s1"})

	assert.Equal(t, "agent:main:s1", key)
	assert.Same(t, canonical, entry)
	assert.Len(t, store, 1)
	assert.NotContains(t, store, "s1")
}

func TestResolveCanonicalEntry_PromotesFirstAlias(t *testing.T) {
	store := Map{
		"S1": {SessionID: "first"},
		"s1": {SessionID: "second"},
	}

	_, entry := ResolveCanonicalEntry(store, "agent:main:s1", []string{"agent:main:s1", "S1", "s1"})

	assert.Equal(t, "first", entry.SessionID)
	assert.Equal(t, Map{"agent:main:s1": entry}, store)
}

func TestResolveCanonicalEntry_Missing(t *testing.T) {
	store := Map{"other": {SessionID: "x"}}

	_, entry := ResolveCanonicalEntry(store, "agent:main:s1", []string{"agent:main:s1", "s1"})

	assert.Nil(t, entry)
	assert.Len(t, store, 1)
	assert.NotContains(t, store, "agent:main:s1")
}

func TestLookupEntry_DoesNotMutate(t *testing.T) {
	store := Map{"s1": {SessionID: "legacy"}}

	e := lookupEntry(store, "agent:main:s1", []string{"agent:main:s1", "s1"})

	assert.Equal(t, "legacy", e.SessionID)
	assert.Contains(t, store, "s1")
	assert.NotContains(t, store, "agent:main:s1")
}

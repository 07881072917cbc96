// ABOUTME: Behaviour tests run against both decision store implementations
// ABOUTME: Covers create/get, single-resolution under concurrency, expiry CAS and filtering

package decision

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "gw.db"), nil)
			require.NoError(t, err)
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func mustNew(t *testing.T, p CreateParams, at time.Time) *Decision {
	t.Helper()
	d, err := New(p, at)
	require.NoError(t, err)
	return d
}

func TestStore_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		d := mustNew(t, CreateParams{
			Type: TypeBinary, Title: "Deploy", Question: "Ship it?",
			Context:        Context{SessionKey: "agent:main:main", AgentID: "main", GoalID: "g1"},
			TimeoutMinutes: 10,
		}, created)
		d.QuestionHTML = "<p>Ship it?</p>"
		require.NoError(t, s.Create(ctx, d))
		assert.ErrorIs(t, s.Create(ctx, d), ErrExists)

		got, err := s.Get(ctx, d.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, d.Title, got.Title)
		assert.Equal(t, d.Options, got.Options)
		assert.Equal(t, d.Context, got.Context)
		assert.Equal(t, "<p>Ship it?</p>", got.QuestionHTML)
		assert.Equal(t, 10, got.TimeoutMinutes)
		assert.True(t, d.CreatedAt.Equal(got.CreatedAt))
		assert.Nil(t, got.Response)

		missing, err := s.Get(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestStore_RespondOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		d := mustNew(t, CreateParams{Type: TypeConfirmation, Title: "t", Question: "q"}, created)
		require.NoError(t, s.Create(ctx, d))

		by := Responder{UserID: "u1", UserName: "Dana"}
		res, err := s.Respond(ctx, d.ID, Answer{OptionID: "confirm"}, by, created.Add(time.Minute))
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, StatusResolved, res.Status)
		assert.Equal(t, "confirm", res.Response.OptionID)
		assert.Equal(t, by, *res.RespondedBy)
		assert.True(t, created.Add(time.Minute).Equal(res.ResolvedAt))

		again, err := s.Respond(ctx, d.ID, Answer{OptionID: "cancel"}, Responder{UserID: "u2"}, created.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Nil(t, again, "second response is rejected")

		got, err := s.Get(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, "confirm", got.Response.OptionID, "first answer is kept")

		missing, err := s.Respond(ctx, "nope", Answer{OptionID: "confirm"}, by, created)
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestStore_RespondInvalidAnswerKeepsPending(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		d := mustNew(t, CreateParams{Type: TypeBinary, Title: "t", Question: "q"}, created)
		require.NoError(t, s.Create(ctx, d))

		_, err := s.Respond(ctx, d.ID, Answer{OptionID: "maybe"}, Responder{UserID: "u"}, created)
		require.Error(t, err)

		got, err := s.Get(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
	})
}

func TestStore_ConcurrentRespondSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		d := mustNew(t, CreateParams{Type: TypeBinary, Title: "t", Question: "q"}, created)
		require.NoError(t, s.Create(ctx, d))

		var winners atomic.Int32
		var wg sync.WaitGroup
		for i := range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				option := "yes"
				if i%2 == 1 {
					option = "no"
				}
				res, err := s.Respond(ctx, d.ID, Answer{OptionID: option}, Responder{UserID: "u"}, created)
				assert.NoError(t, err)
				if res != nil {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), winners.Load())
	})
}

func TestStore_Expire(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		d := mustNew(t, CreateParams{Type: TypeText, Title: "t", Question: "q", TimeoutMinutes: 1}, created)
		require.NoError(t, s.Create(ctx, d))

		res, err := s.Expire(ctx, d.ID, created.Add(time.Minute))
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, StatusExpired, res.Status)

		again, err := s.Expire(ctx, d.ID, created.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Nil(t, again)

		late, err := s.Respond(ctx, d.ID, Answer{TextValue: "too late"}, Responder{UserID: "u"}, created.Add(3*time.Minute))
		require.NoError(t, err)
		assert.Nil(t, late)
	})
}

func TestStore_ListFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := mustNew(t, CreateParams{Type: TypeBinary, Title: "a", Question: "q", Context: Context{AgentID: "main", SessionKey: "agent:main:main"}}, created)
		b := mustNew(t, CreateParams{Type: TypeBinary, Title: "b", Question: "q", Context: Context{AgentID: "ops", SessionKey: "agent:ops:main"}}, created.Add(time.Second))
		c := mustNew(t, CreateParams{Type: TypeBinary, Title: "c", Question: "q", Context: Context{AgentID: "main", SessionKey: "agent:main:side"}}, created.Add(2*time.Second))
		for _, d := range []*Decision{c, a, b} {
			require.NoError(t, s.Create(ctx, d))
		}
		_, err := s.Respond(ctx, c.ID, Answer{OptionID: "yes"}, Responder{UserID: "u"}, created)
		require.NoError(t, err)

		all, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"a", "b", "c"}, titles(all), "oldest first")

		mainOnly, err := s.List(ctx, Filter{AgentID: "main"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, titles(mainOnly))

		pending, err := s.List(ctx, Filter{Status: StatusPending, AgentID: "main"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, titles(pending))

		bySession, err := s.List(ctx, Filter{SessionKey: "agent:ops:main"})
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, titles(bySession))
	})
}

func titles(ds []*Decision) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Title)
	}
	return out
}

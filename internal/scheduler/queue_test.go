package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	t.Run("Due returns tasks within the buffer ordered by expiry", func(t *testing.T) {
		q := NewQueue()
		q.Upsert("c", 3000)
		q.Upsert("a", 1000)
		q.Upsert("b", 2000)
		q.Upsert("later", 100_000)

		due := q.Due(500, 2500)
		require.Len(t, due, 3)
		assert.Equal(t, "a", due[0].Key)
		assert.Equal(t, "b", due[1].Key)
		assert.Equal(t, "c", due[2].Key)
		assert.Equal(t, 1, q.Len())
	})

	t.Run("Due with nothing due returns nil", func(t *testing.T) {
		q := NewQueue()
		q.Upsert("a", 100_000)
		assert.Nil(t, q.Due(0, 0))
		assert.Equal(t, 1, q.Len())
	})

	t.Run("Upsert updates expiry in place", func(t *testing.T) {
		q := NewQueue()
		q.Upsert("a", 100_000)
		q.Upsert("b", 1000)
		q.Upsert("a", 500)

		due := q.Due(1000, 0)
		require.Len(t, due, 2)
		assert.Equal(t, "a", due[0].Key)
		assert.Equal(t, int64(500), due[0].ExpiresAt)
		assert.Equal(t, "b", due[1].Key)
	})

	t.Run("Remove drops a task", func(t *testing.T) {
		q := NewQueue()
		q.Upsert("a", 1000)
		q.Upsert("b", 2000)
		q.Remove("a")
		q.Remove("missing")

		due := q.Due(5000, 0)
		require.Len(t, due, 1)
		assert.Equal(t, "b", due[0].Key)
	})

	t.Run("equal expiries order by key", func(t *testing.T) {
		q := NewQueue()
		q.Upsert("b", 1000)
		q.Upsert("a", 1000)
		q.Upsert("c", 1000)

		due := q.Due(1000, 0)
		require.Len(t, due, 3)
		assert.Equal(t, "a", due[0].Key)
		assert.Equal(t, "b", due[1].Key)
		assert.Equal(t, "c", due[2].Key)
	})
}

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/richardliu001/user-service/internal/dbtest"
	"github.com/richardliu001/user-service/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seed(t *testing.T, db *gorm.DB, s *Store, n int) []uint64 {
	t.Helper()
	var ids []uint64
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		for i := 0; i < n; i++ {
			evt, err := s.Insert(context.Background(), tx, "user.created", map[string]any{"userId": i + 1})
			if err != nil {
				return err
			}
			ids = append(ids, evt.ID)
		}
		return nil
	}))
	return ids
}

func TestInsert_RequiresTransaction(t *testing.T) {
	db := dbtest.Open(t)
	s := NewStore(db)

	_, err := s.Insert(context.Background(), db, "user.created", `{}`)
	assert.ErrorIs(t, err, ErrTxRequired)

	_, err = s.Insert(context.Background(), nil, "user.created", `{}`)
	assert.ErrorIs(t, err, ErrTxRequired)
}

func TestInsert_ValidatesAndStores(t *testing.T) {
	db := dbtest.Open(t)
	s := NewStore(db)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := s.Insert(ctx, tx, "  ", `{}`)
		assert.ErrorIs(t, err, ErrTopicRequired)
		_, err = s.Insert(ctx, tx, "user.created", "not json")
		assert.ErrorIs(t, err, ErrPayloadNotJSON)
		_, err = s.Insert(ctx, tx, "user.created", nil)
		assert.ErrorIs(t, err, ErrPayloadNotJSON)

		evt, err := s.Insert(ctx, tx, "user.role_changed", json.RawMessage(`{"userId":1}`))
		require.NoError(t, err)
		assert.NotZero(t, evt.ID)
		assert.False(t, evt.Processed)
		return nil
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "user.role_changed", got.Topic)
	assert.JSONEq(t, `{"userId":1}`, got.Payload)
	assert.False(t, got.Processed)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestInsert_RolledBackWithTransaction(t *testing.T) {
	db := dbtest.Open(t)
	s := NewStore(db)
	boom := errors.New("boom")

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := s.Insert(context.Background(), tx, "user.created", `{}`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int64
	require.NoError(t, db.Model(&model.OutboxEvent{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestWithClaim_OrderLimitAndCommit(t *testing.T) {
	db := dbtest.Open(t)
	s := NewStore(db)
	ctx := context.Background()
	ids := seed(t, db, s, 5)

	err := s.WithClaim(ctx, 3, func(ctx context.Context, c Claim) error {
		events := c.Events()
		require.Len(t, events, 3)
		for i, e := range events {
			assert.Equal(t, ids[i], e.ID)
		}
		require.NoError(t, c.MarkProcessed(ctx, events[0].ID))
		require.NoError(t, c.MarkProcessed(ctx, events[2].ID))

		assert.ErrorIs(t, c.MarkProcessed(ctx, events[0].ID), ErrNotPending)
		assert.ErrorIs(t, c.MarkProcessed(ctx, ids[4]), ErrNotClaimed)
		return nil
	})
	require.NoError(t, err)

	var pending []model.OutboxEvent
	require.NoError(t, db.Where("processed = ?", false).Order("id").Find(&pending).Error)
	require.Len(t, pending, 3)
	assert.Equal(t, []uint64{ids[1], ids[3], ids[4]}, []uint64{pending[0].ID, pending[1].ID, pending[2].ID})

	done, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, done.Processed)
	assert.NotNil(t, done.ProcessedAt)
}

func TestWithClaim_RollbackDiscardsMarks(t *testing.T) {
	db := dbtest.Open(t)
	s := NewStore(db)
	ctx := context.Background()
	ids := seed(t, db, s, 2)
	crash := errors.New("process died before commit")

	err := s.WithClaim(ctx, 10, func(ctx context.Context, c Claim) error {
		for _, e := range c.Events() {
			require.NoError(t, c.MarkProcessed(ctx, e.ID))
		}
		return crash
	})
	require.ErrorIs(t, err, crash)

	for _, id := range ids {
		evt, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, evt.Processed)
	}
}

func TestWithClaim_InvalidLimit(t *testing.T) {
	s := NewStore(dbtest.Open(t))
	err := s.WithClaim(context.Background(), 0, func(context.Context, Claim) error { return nil })
	assert.ErrorIs(t, err, ErrLimitRequired)
}

func TestFailuresDeadLetterAndRequeue(t *testing.T) {
	db := dbtest.Open(t)
	s := NewStore(db)
	ctx := context.Background()
	ids := seed(t, db, s, 2)
	cause := errors.New("broker unreachable")

	require.NoError(t, s.WithClaim(ctx, 10, func(ctx context.Context, c Claim) error {
		n, err := c.MarkFailed(ctx, ids[0], cause)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = c.MarkFailed(ctx, ids[0], cause)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return c.DeadLetter(ctx, ids[1], cause)
	}))

	first, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 2, first.Attempts)
	require.NotNil(t, first.LastError)
	assert.Equal(t, "broker unreachable", *first.LastError)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Pending)
	assert.EqualValues(t, 1, st.DeadLettered)
	assert.EqualValues(t, 0, st.Processed)
	assert.NotNil(t, st.OldestPending)

	require.NoError(t, s.WithClaim(ctx, 10, func(ctx context.Context, c Claim) error {
		require.Len(t, c.Events(), 1)
		assert.Equal(t, ids[0], c.Events()[0].ID)
		return nil
	}))

	assert.ErrorIs(t, s.Requeue(ctx, ids[0]), ErrNotDeadLettered)
	assert.ErrorIs(t, s.Requeue(ctx, 999), ErrEventNotFound)
	require.NoError(t, s.Requeue(ctx, ids[1]))

	back, err := s.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Nil(t, back.DeadLetteredAt)
	assert.Zero(t, back.Attempts)
	assert.False(t, back.Processed)

	st, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Pending)
}

package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchsync/server/internal/domain"
	"github.com/couchsync/server/internal/repository/signaling"
)

func newTestRepo(t *testing.T) *repo {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	rc := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rc.Close() })

	return NewRepo(rc, time.Hour)
}

func testRecord(id, sender string, signalType domain.SignalType, createdAt time.Time) domain.SignalRecord {
	return domain.SignalRecord{
		Id:        id,
		RoomId:    "room-1",
		Sender:    sender,
		Type:      signalType,
		Payload:   json.RawMessage(`{"session_id":"session-1"}`),
		CreatedAt: createdAt,
	}
}

func TestInsertAndQuery(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	base := time.Now()

	first := testRecord("s1", "alice", domain.SignalTypeOffer, base)
	second := testRecord("s2", "bob", domain.SignalTypeAnswer, base.Add(time.Second))
	third := testRecord("s3", "alice", domain.SignalTypeCandidate, base.Add(2*time.Second))

	require.NoError(t, r.Insert(ctx, &first))
	require.NoError(t, r.Insert(ctx, &second))
	require.NoError(t, r.Insert(ctx, &third))

	records, err := r.Query(ctx, &signaling.QueryParams{RoomId: "room-1"})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "s1", records[0].Id, "records must come back in insertion time order")
	assert.Equal(t, "s3", records[2].Id)

	bySender, err := r.Query(ctx, &signaling.QueryParams{RoomId: "room-1", Sender: "bob"})
	require.NoError(t, err)
	require.Len(t, bySender, 1)
	assert.Equal(t, "s2", bySender[0].Id)

	byType, err := r.Query(ctx, &signaling.QueryParams{RoomId: "room-1", Type: domain.SignalTypeCandidate})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "s3", byType[0].Id)
}

func TestQueryAfterTimeIsExclusive(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	base := time.Now()

	first := testRecord("s1", "alice", domain.SignalTypeOffer, base)
	second := testRecord("s2", "alice", domain.SignalTypeAnswer, base.Add(time.Second))

	require.NoError(t, r.Insert(ctx, &first))
	require.NoError(t, r.Insert(ctx, &second))

	records, err := r.Query(ctx, &signaling.QueryParams{RoomId: "room-1", AfterTime: base})
	require.NoError(t, err)
	require.Len(t, records, 1, "a record created exactly at the cutoff must be excluded")
	assert.Equal(t, "s2", records[0].Id)
}

func TestDeleteOlderThan(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	stale := testRecord("s1", "alice", domain.SignalTypeOffer, time.Now().Add(-time.Hour))
	fresh := testRecord("s2", "alice", domain.SignalTypeOffer, time.Now())

	require.NoError(t, r.Insert(ctx, &stale))
	require.NoError(t, r.Insert(ctx, &fresh))

	require.NoError(t, r.DeleteOlderThan(ctx, &signaling.DeleteOlderThanParams{
		RoomId: "room-1",
		Age:    30 * time.Second,
	}))

	records, err := r.Query(ctx, &signaling.QueryParams{RoomId: "room-1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "s2", records[0].Id)
}

func TestOnInsertDeliversRecords(t *testing.T) {
	r := newTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inserts, stop := r.OnInsert(ctx, "room-1")
	defer stop()

	record := testRecord("s1", "alice", domain.SignalTypeOffer, time.Now())
	require.NoError(t, r.Insert(ctx, &record))

	select {
	case got := <-inserts:
		assert.Equal(t, "s1", got.Id)
		assert.Equal(t, "alice", got.Sender)
	case <-time.After(time.Second):
		t.Fatal("insert notification was not delivered")
	}
}

package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoideee/library-lending/internal/events"
)

func Test_New_StampsEvent(t *testing.T) {
	at := time.Date(2025, 7, 20, 12, 0, 0, 0, time.FixedZone("WITA", 8*3600))

	first := events.New(events.LoanCreated, map[string]int{"loan_id": 1}, at)
	second := events.New(events.LoanCreated, map[string]int{"loan_id": 2}, at)

	_, err := uuid.Parse(first.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, time.UTC, first.OccurredAt.Location())
	assert.True(t, first.OccurredAt.Equal(at))
}

func Test_Event_Encode(t *testing.T) {
	event := events.New(events.LoanReturned, map[string]any{"loan_id": 7}, time.Date(2025, 7, 21, 14, 30, 0, 0, time.UTC))

	body, err := event.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, jsoniter.Unmarshal(body, &decoded))
	assert.Equal(t, "loan.returned", decoded["type"])
	assert.Equal(t, event.ID, decoded["id"])
	assert.Equal(t, "2025-07-21T14:30:00Z", decoded["occurred_at"])
	assert.Equal(t, map[string]any{"loan_id": float64(7)}, decoded["payload"])
}

func Test_Recorder(t *testing.T) {
	rec := &events.Recorder{}
	ctx := context.Background()

	require.NoError(t, rec.Publish(ctx, events.New(events.LoanCreated, nil, time.Now())))
	rec.Err = errors.New("broker down")
	assert.Error(t, rec.Publish(ctx, events.New(events.LoanReturned, nil, time.Now())))

	recorded := rec.Events()
	require.Len(t, recorded, 1)
	assert.Equal(t, events.LoanCreated, recorded[0].Type)
}

func Test_Nop(t *testing.T) {
	var p events.Publisher = events.Nop{}
	assert.NoError(t, p.Publish(context.Background(), events.Event{}))
	assert.NoError(t, p.Close())
}

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis_Integration(t *testing.T) {
	addr := os.Getenv("TELEHEALTH_TEST_REDIS")
	if addr == "" {
		t.Skip("TELEHEALTH_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	r := NewRedis(client, time.Minute)
	ctx := context.Background()

	id := uuid.NewString()
	require.NoError(t, r.Create(ctx, newSession(id)))
	assert.ErrorIs(t, r.Create(ctx, newSession(id)), ErrExists)

	got, err := r.FindByIDAndUpdate(ctx, domain.SessionID(id), core.SessionUpdate{
		PushAudit: []domain.AuditEntry{{ActorID: "pat-1", Action: domain.ActionParticipantLeft}},
	})
	require.NoError(t, err)
	assert.Len(t, got.AuditLog, 2)

	key := "appt:" + id
	_, claimed, err := r.Claim(ctx, key, domain.SessionID(id))
	require.NoError(t, err)
	assert.True(t, claimed)
	existing, claimed, err := r.Claim(ctx, key, "other")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, domain.SessionID(id), existing)
	require.NoError(t, r.Release(ctx, key))
}

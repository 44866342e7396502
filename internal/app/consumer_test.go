package app

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/ledger-transfer-service/internal/cache"
	"github.com/transfa/ledger-transfer-service/internal/domain"
	"go.uber.org/zap"
)

func envelopeBody(t *testing.T, payload string) []byte {
	t.Helper()
	body, err := json.Marshal(OutboxEnvelope{
		EventID:     uuid.New(),
		EventType:   domain.EventTransferConfirmed,
		AggregateID: uuid.New(),
		OccurredAt:  time.Now().UTC(),
		Payload:     json.RawMessage(payload),
	})
	require.NoError(t, err)
	return body
}

func TestCacheRepairConsumer_DropsBothParties(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	for _, key := range []string{
		"ledger:account:user-1", "ledger:account:user-1:transfers",
		"ledger:account:user-2", "ledger:account:user-2:transfers",
		"ledger:account:user-3",
	} {
		require.NoError(t, mr.Set(key, "{}"))
	}

	consumer := NewCacheRepairConsumer(cache.NewRedisCache(client, "ledger"), zap.NewNop())
	ack := consumer.HandleMessage(envelopeBody(t, `{"id":"`+uuid.NewString()+`","origin_id":"user-1","destination_id":"user-2","amount":"10"}`))
	require.True(t, ack)

	assert.False(t, mr.Exists("ledger:account:user-1"))
	assert.False(t, mr.Exists("ledger:account:user-1:transfers"))
	assert.False(t, mr.Exists("ledger:account:user-2"))
	assert.False(t, mr.Exists("ledger:account:user-2:transfers"))
	assert.True(t, mr.Exists("ledger:account:user-3"))
}

func TestCacheRepairConsumer_Acknowledgement(t *testing.T) {
	valid := `{"origin_id":"user-1","destination_id":"user-2","amount":"10"}`

	tests := []struct {
		name    string
		cache   cache.Cache
		body    []byte
		wantAck bool
	}{
		{name: "malformed envelope is dropped", cache: cache.NopCache{}, body: []byte("not json"), wantAck: true},
		{name: "malformed payload is dropped", cache: cache.NopCache{}, body: envelopeBody(t, `"text"`), wantAck: true},
		{name: "missing parties is dropped", cache: cache.NopCache{}, body: envelopeBody(t, `{"amount":"10"}`), wantAck: true},
		{name: "cache failure is re-queued", cache: brokenCache{}, body: envelopeBody(t, valid), wantAck: false},
		{name: "nil cache acknowledges", body: envelopeBody(t, valid), wantAck: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			consumer := NewCacheRepairConsumer(tt.cache, zap.NewNop())
			assert.Equal(t, tt.wantAck, consumer.HandleMessage(tt.body))
		})
	}
}

func TestCacheRepairConsumer_RoutingKeys(t *testing.T) {
	consumer := NewCacheRepairConsumer(nil, zap.NewNop())
	assert.ElementsMatch(t,
		[]string{domain.EventTransferPending, domain.EventTransferConfirmed, domain.EventTransferRejected},
		consumer.RoutingKeys(),
	)
}

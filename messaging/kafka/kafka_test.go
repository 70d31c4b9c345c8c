package kafka

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ncobase/jobwatch/config"
	"github.com/ncobase/jobwatch/logging/logger"
	"github.com/ncobase/jobwatch/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageIsKeyedByJob(t *testing.T) {
	msg, err := message(queue.Event{Kind: queue.EventProgress, JobID: "7", Data: json.RawMessage(`55`)})
	require.NoError(t, err)

	assert.Equal(t, "7", string(msg.Key))
	e, err := queue.DecodeEvent(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, queue.EventProgress, e.Kind)
	assert.JSONEq(t, `55`, string(e.Data))
}

func TestSubscribeRequiresTopic(t *testing.T) {
	k := New(&config.Kafka{Brokers: []string{"localhost:9092"}}, logger.Discard())

	_, err := k.Subscribe(context.Background())
	assert.Error(t, err)
	assert.NoError(t, k.Close())
}

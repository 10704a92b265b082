package tele

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/potlab/pstat/log2"
	"github.com/potlab/pstat/telemetry"
)

func TestPublishBatch(t *testing.T) {
	t.Parallel()

	mock := NewMqttMock()
	tl := NewWithClient(Config{MqttClientID: "dev1"}, log2.NewTest(t, log2.LDebug), mock)

	batches := make(chan telemetry.Batch, 1)
	tl.Run(batches)
	batches <- telemetry.Batch{
		telemetry.TrackTime:    {0, 1, 2},
		telemetry.TrackVoltage: {0.1, 0.2, 0.3},
	}

	select {
	case p := <-mock.Pub:
		assert.Equal(t, "pstat/dev1/data", p.Topic)
		var decoded map[string][]float64
		require.NoError(t, json.Unmarshal(p.Payload, &decoded))
		assert.Equal(t, []float64{0, 1, 2}, decoded["TIME"])
		assert.Equal(t, []float64{0.1, 0.2, 0.3}, decoded["VOLTAGE"])
	case <-time.After(5 * time.Second):
		t.Fatal("nothing published")
	}

	tl.Stop()
}

func TestStopWithoutBatches(t *testing.T) {
	t.Parallel()

	tl := NewWithClient(Config{TopicPrefix: "lab", MqttClientID: "x"}, log2.NewTest(t, log2.LDebug), NewMqttMock())
	batches := make(chan telemetry.Batch)
	tl.Run(batches)
	tl.Stop()
}

func TestRunAfterChannelClose(t *testing.T) {
	t.Parallel()

	tl := NewWithClient(Config{MqttClientID: "x"}, log2.NewTest(t, log2.LDebug), NewMqttMock())
	batches := make(chan telemetry.Batch)
	close(batches)
	tl.Run(batches)
	tl.Stop()
}

package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	before := time.Now().UTC()
	event := NewEvent("agent-1", AggregateAgent, AgentRegisteredData{
		AgentID: "agent-1",
		Name:    "alpha",
	})

	require.NotEmpty(t, event.ID)
	require.Equal(t, "agent-1", event.AggregateID)
	require.Equal(t, AggregateAgent, event.AggregateType)
	require.Equal(t, AgentRegistered, event.Type)
	require.False(t, event.Timestamp.Before(before))
	require.Nil(t, event.ExpectedVersion)

	other := NewEvent("agent-1", AggregateAgent, AgentRegisteredData{AgentID: "agent-1"})
	require.NotEqual(t, event.ID, other.ID)
}

func TestNewEventOptions(t *testing.T) {
	event := NewEvent("feed-1", AggregatePriceFeed,
		PriceFeedUpdatedData{FeedID: "feed-1", Pair: "XLM/USD", Price: 0.42},
		WithMetadata(map[string]string{"source": "oracle"}),
		WithExpectedVersion(3),
	)

	require.Equal(t, "oracle", event.Metadata["source"])
	require.NotNil(t, event.ExpectedVersion)
	require.Equal(t, 3, *event.ExpectedVersion)

	meta, err := event.MetadataBytes()
	require.NoError(t, err)
	require.Contains(t, string(meta), "oracle")
}

func TestEventPayload(t *testing.T) {
	event := NewEvent("agent-9", AggregateAgent, ScoreComputedData{
		AgentID: "agent-9",
		JobID:   "job-1",
		Score:   87.5,
	})

	payload, err := event.Payload()
	require.NoError(t, err)

	var data ScoreComputedData
	require.NoError(t, json.Unmarshal(payload, &data))
	require.Equal(t, "agent-9", data.AgentID)
	require.Equal(t, 87.5, data.Score)
}

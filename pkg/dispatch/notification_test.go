package dispatch

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotification_RoundTrip(t *testing.T) {
	n := &Notification{
		ExecutionID: 123456789,
		NodeID:      "01J0000000000000000000000-fetch-1",
		NodeName:    "fetch",
		Attempt:     1,
		Pool:        "default",
		Kind:        "http",
		Deadline:    time.Now().UTC().Truncate(time.Second),
	}

	data, err := n.Marshal()
	require.NoError(t, err)

	parsed, err := ParseNotification(data)
	require.NoError(t, err)
	assert.Equal(t, n.ExecutionID, parsed.ExecutionID)
	assert.Equal(t, n.NodeID, parsed.NodeID)
	assert.Equal(t, n.Kind, parsed.Kind)
	assert.True(t, n.Deadline.Equal(parsed.Deadline))
}

func TestNotification_SizeBound(t *testing.T) {
	n := &Notification{
		ExecutionID: 1,
		NodeID:      strings.Repeat("x", 2048),
		NodeName:    "big",
		Pool:        "default",
		Kind:        "http",
	}
	_, err := n.Marshal()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestParseNotification_MissingIdentity(t *testing.T) {
	_, err := ParseNotification([]byte(`{"node_name":"fetch"}`))
	assert.Error(t, err)

	_, err = ParseNotification([]byte(`not json`))
	assert.Error(t, err)
}

package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultRef_URIRoundTrip(t *testing.T) {
	ref := &ResultRef{ID: 987, ExecutionID: 123, Name: "fetch_users"}
	uri := ref.URI()
	assert.Equal(t, "noetl://execution/123/result/fetch_users/987", uri)

	executionID, name, id, err := ParseRefURI(uri)
	require.NoError(t, err)
	assert.Equal(t, int64(123), executionID)
	assert.Equal(t, "fetch_users", name)
	assert.Equal(t, int64(987), id)
}

func TestParseRefURI_Malformed(t *testing.T) {
	for _, uri := range []string{
		"http://execution/1/result/x/2",
		"noetl://execution/1/result/x",
		"noetl://step/1/result/x/2",
		"noetl://execution/abc/result/x/2",
		"noetl://execution/1/result/x/abc",
	} {
		_, _, _, err := ParseRefURI(uri)
		assert.Error(t, err, "uri %q should be rejected", uri)
	}
}

func TestRefFromResult(t *testing.T) {
	assert.Equal(t, "noetl://execution/1/result/a/2",
		RefFromResult(json.RawMessage(`{"$ref":"noetl://execution/1/result/a/2"}`)))

	// Inline payloads carry no reference.
	assert.Empty(t, RefFromResult(json.RawMessage(`{"rows":3}`)))
	assert.Empty(t, RefFromResult(json.RawMessage(`[1,2,3]`)))
	assert.Empty(t, RefFromResult(nil))
}

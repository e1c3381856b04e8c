package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackMessageInlinesType(t *testing.T) {
	data, err := PackMessage(MessageTypeRegisterSuccess, &RegisterSuccess{ClientID: "client-1"})
	require.NoError(t, err)

	var fields map[string]string
	require.NoError(t, json.Unmarshal(data, &fields))
	require.Equal(t, "register_success", fields["type"])
	require.Equal(t, "client-1", fields["client_id"])

	msgType, err := PeekType(data)
	require.NoError(t, err)
	require.Equal(t, MessageTypeRegisterSuccess, msgType)
}

func TestPeekType(t *testing.T) {
	t.Run("typed task", func(t *testing.T) {
		msgType, err := PeekType([]byte(`{"type":"task","url":"http://x","duration":1}`))
		require.NoError(t, err)
		require.Equal(t, MessageTypeTask, msgType)
	})

	t.Run("untyped task", func(t *testing.T) {
		msgType, err := PeekType([]byte(`{"url":"http://x","method":"POST","duration":3}`))
		require.NoError(t, err)
		require.Equal(t, MessageTypeTask, msgType)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := PeekType([]byte(`{"type":`))
		require.ErrorIs(t, err, ErrInvalidFrame)
	})

	t.Run("untyped without url", func(t *testing.T) {
		_, err := PeekType([]byte(`{"client_id":"a"}`))
		require.ErrorIs(t, err, ErrInvalidFrame)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := PeekType([]byte(`{"type":"shutdown"}`))
		require.ErrorIs(t, err, ErrUnknownMessageType)
	})
}

func TestDeserializeTask(t *testing.T) {
	task, err := DeserializeTask([]byte(`{
		"type": "task",
		"url": "http://127.0.0.1:9000/login",
		"method": "post",
		"headers": {"X-Test": "1"},
		"query_params": {"q": "v"},
		"payload_template": {"user": {"name": "bob"}},
		"duration": 5,
		"random_fields": ["user.name"]
	}`))
	require.NoError(t, err)
	require.Equal(t, "POST", task.HTTPMethod())
	require.True(t, task.HasPayload())
	require.Equal(t, uint64(5), task.Duration)
	require.Equal(t, []string{"user.name"}, task.RandomFields)

	_, err = DeserializeTask([]byte(`{"url":"ftp://x","duration":5}`))
	require.ErrorIs(t, err, ErrInvalidTask)

	_, err = DeserializeTask([]byte(`{"url":"http://x","duration":0}`))
	require.ErrorIs(t, err, ErrInvalidTask)
}

func TestTaskConfigNullPayload(t *testing.T) {
	task := &TaskConfig{URL: "http://x", Duration: 1, PayloadTemplate: json.RawMessage("null")}
	require.False(t, task.HasPayload())
	require.NoError(t, task.Validate())
}

func TestTaskConfigClone(t *testing.T) {
	task := &TaskConfig{
		URL:          "http://x",
		Headers:      map[string]string{"a": "1"},
		RandomFields: []string{"a"},
		Duration:     1,
	}
	clone := task.Clone()
	clone.Headers["a"] = "2"
	clone.RandomFields[0] = "b"
	require.Equal(t, "1", task.Headers["a"])
	require.Equal(t, "a", task.RandomFields[0])
}

func TestDeserializeRegisterSuccessRequiresID(t *testing.T) {
	_, err := DeserializeRegisterSuccess([]byte(`{"type":"register_success"}`))
	require.ErrorIs(t, err, ErrInvalidFrame)
}

package client

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func historyFrom(t *testing.T, body string) HistoryRecord {
	record := HistoryRecord{}
	require.NoError(t, json.Unmarshal([]byte(body), &record))
	return record
}

func TestExtractNodeValueDirectText(t *testing.T) {
	record := historyFrom(t, `{"p1": {"outputs": {"7": {"text": ["false"]}}}}`)
	value, err := ExtractNodeValue(record, "p1", "7")
	require.NoError(t, err)
	assert.Equal(t, "false", value)
}

func TestExtractNodeValueUIText(t *testing.T) {
	record := historyFrom(t, `{"p1": {"outputs": {"7": {"ui": {"text": ["TRUE"]}}}}}`)
	value, err := ExtractNodeValue(record, "p1", "7")
	require.NoError(t, err)
	assert.Equal(t, "true", value)
}

func TestExtractNodeValuePrefersDirectText(t *testing.T) {
	record := historyFrom(t, `{"p1": {"outputs": {"7": {"text": ["Direct"], "ui": {"text": ["nested"]}}}}}`)
	value, err := ExtractNodeValue(record, "p1", "7")
	require.NoError(t, err)
	assert.Equal(t, "direct", value)
}

func TestExtractNodeValueNonStringValues(t *testing.T) {
	record := historyFrom(t, `{"p1": {"outputs": {"1": {"text": [true]}, "2": {"text": [42]}}}}`)
	value, err := ExtractNodeValue(record, "p1", "1")
	require.NoError(t, err)
	assert.Equal(t, "true", value)

	value, err = ExtractNodeValue(record, "p1", "2")
	require.NoError(t, err)
	assert.Equal(t, "42", value)
}

func TestExtractNodeValueUnexpectedShape(t *testing.T) {
	record := historyFrom(t, `{"p1": {"outputs": {"7": {"images": [{"filename": "a.png"}]}, "8": {"text": []}}}}`)

	_, err := ExtractNodeValue(record, "p1", "7")
	require.ErrorIs(t, err, ErrUnexpectedOutputShape)
	// the raw output is part of the message for diagnosis
	assert.Contains(t, err.Error(), "a.png")

	_, err = ExtractNodeValue(record, "p1", "8")
	assert.ErrorIs(t, err, ErrUnexpectedOutputShape)
}

func TestExtractNodeValueMissing(t *testing.T) {
	record := historyFrom(t, `{"p1": {"outputs": {}}}`)

	_, err := ExtractNodeValue(record, "p2", "7")
	assert.ErrorIs(t, err, ErrHistoryNotFound)

	_, err = ExtractNodeValue(record, "p1", "7")
	assert.ErrorIs(t, err, ErrNodeOutputNotFound)
}

func TestGetNodeValue(t *testing.T) {
	f := newFakeComfy(t, "p-42")
	c := f.client()

	_, err := c.GetNodeValue(context.Background(), "p-42", "7")
	assert.ErrorIs(t, err, ErrHistoryNotFound)

	f.historyDone.Store(true)
	value, err := c.GetNodeValue(context.Background(), "p-42", "7")
	require.NoError(t, err)
	assert.Equal(t, "false", value)
}

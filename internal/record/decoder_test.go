package record

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.sqsresolver.dev/internal/queue"
)

func msg(body string) queue.RawMessage {
	return queue.RawMessage{ID: "m-1", Body: []byte(body), ReceiptHandle: "rh-1", ReceiveCount: 1}
}

func TestDecodeValidRecord(t *testing.T) {
	d := NewDecoder(DefaultDecoderConfig())

	item, err := d.Decode(msg(`{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"1001","NAME_FULL":"Robert Smith"}`))
	require.NoError(t, err)

	assert.Equal(t, "CUSTOMERS", item.DataSource)
	assert.Equal(t, "1001", item.RecordID)
	assert.Equal(t, "m-1", item.CorrelationID)
	assert.Equal(t, "Robert Smith", item.Record["NAME_FULL"])
	assert.Equal(t, "rh-1", item.Source.ReceiptHandle)
	assert.JSONEq(t, `{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"1001","NAME_FULL":"Robert Smith"}`, string(item.Raw))
}

func TestDecodeNumericRecordID(t *testing.T) {
	d := NewDecoder(DefaultDecoderConfig())

	item, err := d.Decode(msg(`{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":12345678901234567890}`))
	require.NoError(t, err)
	assert.Equal(t, "12345678901234567890", item.RecordID)
}

func TestDecodeWithoutRequiredFields(t *testing.T) {
	d := NewDecoder(DecoderConfig{})

	item, err := d.Decode(msg(`{"record":"A"}`))
	require.NoError(t, err)
	assert.Equal(t, "A", item.Record["record"])
	assert.Empty(t, item.DataSource)
	assert.Empty(t, item.RecordID)
}

func TestDecodeDefaultDataSource(t *testing.T) {
	cfg := DefaultDecoderConfig()
	cfg.DefaultDataSource = "TEST"
	d := NewDecoder(cfg)

	item, err := d.Decode(msg(`{"RECORD_ID":"7"}`))
	require.NoError(t, err)
	assert.Equal(t, "TEST", item.DataSource)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(item.Raw, &raw))
	assert.Equal(t, "TEST", raw["DATA_SOURCE"])
}

func TestDecodeGeneratesCorrelationID(t *testing.T) {
	d := NewDecoder(DecoderConfig{})

	m := msg(`{}`)
	m.ID = ""
	item, err := d.Decode(m)
	require.NoError(t, err)
	assert.Len(t, item.CorrelationID, 36)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{"empty", "   ", "empty body"},
		{"not json", "not-json{", "not a JSON object"},
		{"array", `[{"DATA_SOURCE":"X"}]`, "not a JSON object"},
		{"truncated", `{"DATA_SOURCE":"X"`, "invalid JSON"},
		{"trailing", `{"DATA_SOURCE":"X","RECORD_ID":"1"} {}`, "trailing data"},
		{"missing record id", `{"DATA_SOURCE":"X"}`, "RECORD_ID"},
		{"blank data source", `{"DATA_SOURCE":"  ","RECORD_ID":"1"}`, "DATA_SOURCE"},
		{"object record id", `{"DATA_SOURCE":"X","RECORD_ID":{}}`, "RECORD_ID"},
	}

	d := NewDecoder(DefaultDecoderConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := d.Decode(msg(tt.body))
			require.Error(t, err)
			assert.Nil(t, item)

			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, "m-1", de.MessageID)
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func TestDecodeRejectsOversizedBody(t *testing.T) {
	d := NewDecoder(DecoderConfig{MaxBodyBytes: 32})

	_, err := d.Decode(msg(`{"NAME":"` + strings.Repeat("x", 64) + `"}`))
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Reason, "limit is 32")
}

package transform

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earn12345678/data-engineering-project/internal/failure"
	"github.com/earn12345678/data-engineering-project/internal/topic"
)

func fullMapping() Fields {
	return Fields{
		ID:          "id",
		Date:        "date",
		UpdatedAt:   "updated_on",
		Category:    "primary_type",
		Description: "description",
		Location:    "block",
		Latitude:    "latitude",
		Longitude:   "longitude",
	}
}

func TestApplyMapsFields(t *testing.T) {
	tr := New(fullMapping(), 0)

	rec, err := tr.Apply(map[string]any{
		"id":           " jc 100 ",
		"date":         "2024-01-01T13:45:00.000",
		"updated_on":   "2024-01-03T08:00:00.000",
		"primary_type": "theft",
		"description":  "  retail  ",
		"block":        "001XX N STATE ST",
		"latitude":     "41.88",
		"longitude":    json.Number("-87.62"),
	}, 7)
	require.NoError(t, err)

	assert.Equal(t, "JC 100", rec.ID)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), rec.EventDate)
	assert.Equal(t, time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC), rec.UpdatedAt)
	assert.Equal(t, "THEFT", rec.Category)
	assert.Equal(t, "retail", rec.Description)
	require.NotNil(t, rec.Latitude)
	assert.InDelta(t, 41.88, *rec.Latitude, 1e-9)
	assert.InDelta(t, -87.62, *rec.Longitude, 1e-9)
	assert.Equal(t, int64(7), rec.Offset)
	assert.Equal(t, "JC 100|2024-01-01", rec.NaturalKey())
}

func TestApplyValidationFailures(t *testing.T) {
	tr := New(fullMapping(), 0)

	tests := []struct {
		name   string
		fields map[string]any
	}{
		{"missing id", map[string]any{"date": "2024-01-01"}},
		{"blank id", map[string]any{"id": "   ", "date": "2024-01-01"}},
		{"object id", map[string]any{"id": map[string]any{}, "date": "2024-01-01"}},
		{"missing date", map[string]any{"id": "R1"}},
		{"bad date", map[string]any{"id": "R1", "date": "yesterday"}},
		{"numeric date", map[string]any{"id": "R1", "date": json.Number("20240101")}},
		{"bad updated_on", map[string]any{"id": "R1", "date": "2024-01-01", "updated_on": "never"}},
		{"latitude only", map[string]any{"id": "R1", "date": "2024-01-01", "latitude": "41.8"}},
		{"latitude out of range", map[string]any{"id": "R1", "date": "2024-01-01", "latitude": "91", "longitude": "0"}},
		{"longitude not a number", map[string]any{"id": "R1", "date": "2024-01-01", "latitude": "0", "longitude": "east"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Apply(tt.fields, 1)
			require.Error(t, err)
			assert.Equal(t, failure.KindValidation, failure.KindOf(err))
		})
	}
}

func TestApplyOptionalFieldsMayBeAbsent(t *testing.T) {
	tr := New(fullMapping(), 0)

	rec, err := tr.Apply(map[string]any{"id": "R1", "date": "2024-01-01"}, 1)
	require.NoError(t, err)
	assert.Nil(t, rec.Latitude)
	assert.Nil(t, rec.Longitude)
	assert.True(t, rec.UpdatedAt.IsZero())
	assert.Empty(t, rec.Category)
}

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"r1", "R1"},
		{"  a   b ", "A B"},
		{json.Number("42"), "42"},
		{json.Number("42.0"), "42"},
		{json.Number("42.5"), "42.5"},
		{float64(13), "13"},
		{int64(9), "9"},
	}

	for _, tt := range tests {
		got, err := NormalizeID(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := NormalizeID(true)
	assert.Error(t, err)
}

func TestParseDateLayouts(t *testing.T) {
	want := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for _, s := range []string{
		"2024-01-02",
		"2024-01-02T00:00:00.000",
		"2024-01-02T00:00:00",
		"2024-01-02T00:00:00Z",
		"2024-01-02 00:00:00",
		"01/02/2024",
	} {
		got, err := ParseDate(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}
}

func TestEventDateUsesUTCCalendarDay(t *testing.T) {
	tr := New(Fields{}, 0)
	rec, err := tr.Apply(map[string]any{"id": "R1", "date": "2024-01-01T23:30:00-05:00"}, 1)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), rec.EventDate)
}

func TestTextTruncation(t *testing.T) {
	tr := New(Fields{Description: "description"}, 4)
	rec, err := tr.Apply(map[string]any{"id": "R1", "date": "2024-01-01", "description": "überlong"}, 1)
	require.NoError(t, err)
	assert.Equal(t, "über", rec.Description)
}

func TestBatchIsolatesMalformed(t *testing.T) {
	codec, err := topic.NewCodec("none")
	require.NoError(t, err)
	defer codec.Close()

	var msgs []topic.Message
	for i := 1; i <= 9; i++ {
		msgs = append(msgs, topic.Message{
			Offset: int64(i),
			Body:   []byte(`{"id":"R` + string(rune('0'+i)) + `","date":"2024-01-0` + string(rune('0'+i)) + `"}`),
		})
	}
	msgs = append(msgs, topic.Message{Offset: 10, Key: "bad", Body: []byte(`{"id":"R10","date":"not a date"}`)})
	msgs = append(msgs, topic.Message{Offset: 11, Body: []byte(`garbage`)})

	res := New(Fields{}, 0).Batch(msgs, codec)

	assert.Len(t, res.Records, 9)
	require.Len(t, res.Skips, 2)
	assert.Equal(t, int64(10), res.Skips[0].Offset)
	assert.Equal(t, "bad", res.Skips[0].Key)
	assert.Contains(t, res.Skips[0].Reason, "unparsable date")
	assert.JSONEq(t, `{"id":"R10","date":"not a date"}`, string(res.Skips[0].Raw))
	assert.Equal(t, []byte("garbage"), res.Skips[1].Raw)

	for i, rec := range res.Records {
		assert.Equal(t, int64(i+1), rec.Offset)
	}
}

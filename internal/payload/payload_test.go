package payload_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shisetsu-ai/bunki/internal/model"
	"github.com/shisetsu-ai/bunki/internal/payload"
)

// decode mimics the server's body decoding: numbers stay json.Number.
func decode(t *testing.T, src string) any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(src))
	dec.UseNumber()
	var v any
	require.NoError(t, dec.Decode(&v))
	return v
}

func TestNormalize_FlatShape(t *testing.T) {
	raw := decode(t, `{
		"analysis_type": "average",
		"precision": 3,
		"SensorA": [
			{"timestamp": "2025-01-01T01:00:00Z", "reading_value": 20},
			{"timestamp": "2025-01-01T00:00:00Z", "reading_value": 10}
		]
	}`)

	c, err := payload.Normalize(raw, payload.Options{})
	require.NoError(t, err)

	assert.Equal(t, "average", c.Params["analysis_type"])
	assert.Equal(t, json.Number("3"), c.Params["precision"])
	require.Len(t, c.Series, 1)

	readings := c.Series["SensorA"]
	require.Len(t, readings, 2)
	assert.True(t, readings[0].Timestamp.Before(readings[1].Timestamp), "readings sorted ascending")
	assert.Equal(t, json.Number("10"), readings[0].Value)
	assert.Equal(t, json.Number("20"), readings[1].Value)
	assert.Empty(t, c.Warnings)
}

func TestNormalize_GroupedShapeMatchesFlat(t *testing.T) {
	flat := decode(t, `{
		"SensorA": [
			{"timestamp": "2025-01-01T00:00:00Z", "reading_value": 10},
			{"timestamp": "2025-01-01T01:00:00Z", "reading_value": 20}
		]
	}`)
	grouped := decode(t, `{
		"building_west": {
			"SensorA": {"readings": [
				{"timestamp": "2025-01-01T00:00:00Z", "reading_value": 10},
				{"timestamp": "2025-01-01T01:00:00Z", "reading_value": 20}
			]}
		}
	}`)

	fromFlat, err := payload.Normalize(flat, payload.Options{})
	require.NoError(t, err)
	fromGrouped, err := payload.Normalize(grouped, payload.Options{})
	require.NoError(t, err)

	assert.Equal(t, fromFlat.Series, fromGrouped.Series)
	assert.Equal(t, fromFlat.Params, fromGrouped.Params)
}

func TestNormalize_GroupedDirectArray(t *testing.T) {
	raw := decode(t, `{
		"floor_2": {
			"SensorB": [{"timestamp": "2025-01-01T00:00:00Z", "reading_value": 1}]
		}
	}`)

	c, err := payload.Normalize(raw, payload.Options{})
	require.NoError(t, err)
	require.Len(t, c.Series["SensorB"], 1)
}

func TestNormalize_BareArray(t *testing.T) {
	raw := decode(t, `[
		{"timestamp": "2025-01-01T00:00:00Z", "reading_value": 1},
		{"timestamp": "2025-01-01T01:00:00Z", "reading_value": 2}
	]`)

	c, err := payload.Normalize(raw, payload.Options{})
	require.NoError(t, err)
	require.Len(t, c.Series, 1)
	assert.Len(t, c.Series["default"], 2)
	assert.Equal(t, []string{"default"}, c.SeriesNames())
}

func TestNormalize_MergesSameSeriesAcrossGroups(t *testing.T) {
	raw := decode(t, `{
		"group_a": {"SensorA": [
			{"timestamp": "2025-01-01T02:00:00Z", "reading_value": 3},
			{"timestamp": "2025-01-01T00:00:00Z", "reading_value": 1}
		]},
		"group_b": {"SensorA": [
			{"timestamp": "2025-01-01T01:00:00Z", "reading_value": 2}
		]}
	}`)

	c, err := payload.Normalize(raw, payload.Options{})
	require.NoError(t, err)

	readings := c.Series["SensorA"]
	require.Len(t, readings, 3, "disjoint timestamps union into one series")
	for i := 1; i < len(readings); i++ {
		assert.True(t, readings[i-1].Timestamp.Before(readings[i].Timestamp))
	}
	assert.Equal(t, json.Number("1"), readings[0].Value)
	assert.Equal(t, json.Number("2"), readings[1].Value)
	assert.Equal(t, json.Number("3"), readings[2].Value)
}

func TestNormalize_DuplicateTimestampPolicies(t *testing.T) {
	const src = `{
		"group_a": {"SensorA": [{"timestamp": "2025-01-01T00:00:00Z", "reading_value": 1}]},
		"group_b": {"SensorA": [{"timestamp": "2025-01-01T00:00:00Z", "reading_value": 2}]}
	}`

	last, err := payload.Normalize(decode(t, src), payload.Options{DuplicatePolicy: payload.KeepLast})
	require.NoError(t, err)
	require.Len(t, last.Series["SensorA"], 1)
	assert.Equal(t, json.Number("2"), last.Series["SensorA"][0].Value)

	first, err := payload.Normalize(decode(t, src), payload.Options{DuplicatePolicy: payload.KeepFirst})
	require.NoError(t, err)
	require.Len(t, first.Series["SensorA"], 1)
	assert.Equal(t, json.Number("1"), first.Series["SensorA"][0].Value)
}

func TestNormalize_DropsBadReadings(t *testing.T) {
	raw := decode(t, `{
		"SensorA": [
			{"timestamp": "2025-01-01T00:00:00Z", "reading_value": 1},
			{"reading_value": 2},
			{"timestamp": "not a time", "reading_value": 3},
			{"timestamp": "2025-01-01T03:00:00Z"},
			"scalar"
		]
	}`)

	c, err := payload.Normalize(raw, payload.Options{})
	require.NoError(t, err)
	require.Len(t, c.Series["SensorA"], 1, "only the complete reading survives")
	assert.Len(t, c.Warnings, 4)
}

func TestNormalize_AllReadingsDropSeriesRemoved(t *testing.T) {
	raw := decode(t, `{
		"SensorA": [{"reading_value": 2}],
		"SensorB": [{"timestamp": "2025-01-01T00:00:00Z", "reading_value": 1}]
	}`)

	c, err := payload.Normalize(raw, payload.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"SensorB"}, c.SeriesNames())
	assert.NotEmpty(t, c.Warnings)
}

func TestNormalize_TimestampFormats(t *testing.T) {
	want := time.Date(2025, 3, 15, 12, 30, 0, 0, time.UTC)
	cases := []struct {
		name string
		body string
	}{
		{"rfc3339", `[{"timestamp": "2025-03-15T12:30:00Z", "reading_value": 1}]`},
		{"rfc3339 nano", `[{"timestamp": "2025-03-15T12:30:00.000000000Z", "reading_value": 1}]`},
		{"rfc3339 offset", `[{"timestamp": "2025-03-15T14:30:00+02:00", "reading_value": 1}]`},
		{"no zone t", `[{"timestamp": "2025-03-15T12:30:00", "reading_value": 1}]`},
		{"no zone space", `[{"timestamp": "2025-03-15 12:30:00", "reading_value": 1}]`},
		{"epoch seconds", `[{"timestamp": 1742041800, "reading_value": 1}]`},
		{"time field name", `[{"time": "2025-03-15T12:30:00Z", "reading_value": 1}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := payload.Normalize(decode(t, tc.body), payload.Options{})
			require.NoError(t, err)
			require.Len(t, c.Series["default"], 1)
			assert.True(t, want.Equal(c.Series["default"][0].Timestamp),
				"got %v", c.Series["default"][0].Timestamp)
		})
	}
}

func TestNormalize_RejectsNonObjectBody(t *testing.T) {
	_, err := payload.Normalize(decode(t, `42`), payload.Options{})
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidInput, model.KindOf(err))
}

func TestNormalize_RejectsPayloadWithoutSeries(t *testing.T) {
	_, err := payload.Normalize(decode(t, `{"analysis_type": "average", "window": "1h"}`), payload.Options{})
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidInput, model.KindOf(err))
}

func TestNormalize_ReservedSeriesNameInGroup(t *testing.T) {
	raw := decode(t, `{
		"group_a": {
			"window": [{"timestamp": "2025-01-01T00:00:00Z", "reading_value": 1}],
			"SensorA": [{"timestamp": "2025-01-01T00:00:00Z", "reading_value": 1}]
		}
	}`)

	c, err := payload.Normalize(raw, payload.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"SensorA"}, c.SeriesNames())
	require.Len(t, c.Warnings, 1)
	assert.Contains(t, c.Warnings[0], "reserved")
}

func TestNormalize_ValueTypesPreserved(t *testing.T) {
	raw := decode(t, `{
		"SensorA": [
			{"timestamp": "2025-01-01T00:00:00Z", "reading_value": "OCCUPIED"},
			{"timestamp": "2025-01-01T01:00:00Z", "reading_value": 21.5}
		]
	}`)

	c, err := payload.Normalize(raw, payload.Options{})
	require.NoError(t, err)
	readings := c.Series["SensorA"]
	require.Len(t, readings, 2)
	assert.Equal(t, "OCCUPIED", readings[0].Value)
	assert.Equal(t, json.Number("21.5"), readings[1].Value)
}

func TestReserved(t *testing.T) {
	assert.True(t, payload.Reserved("analysis_type"))
	assert.True(t, payload.Reserved("precision"))
	assert.False(t, payload.Reserved("SensorA"))
}

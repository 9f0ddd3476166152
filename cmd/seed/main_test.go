package main

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitRoomNumbersDedupesAndTrims(t *testing.T) {
	assert.Equal(t, []string{"101", "102"}, splitRoomNumbers(" 101, ,102,101 "))
	assert.Empty(t, splitRoomNumbers(" , "))
}

func TestGenerateReadingsCoversEverySensorTick(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)
	readings := generateReadings(
		[]string{"101", "102"},
		map[string]int64{"101": 1, "102": 2},
		start,
		end,
		30*time.Minute,
		rand.New(rand.NewPCG(1, 2)),
	)

	require.Len(t, readings, 2*len(sensorProfiles)*4)
	for _, r := range readings {
		assert.False(t, r.Time.Before(start))
		assert.True(t, r.Time.Before(end))
		assert.Contains(t, []int64{1, 2}, r.RoomID)
		if r.ReadingType == "PIR" {
			assert.Contains(t, []float64{0, 1}, r.Value)
		}
	}
	assert.Equal(t, "seed-101-temperature", readings[0].SensorID)
}

func TestSensorProfileSampleStaysInRange(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	profile := sensorProfiles[0]
	ts := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	for range 200 {
		v := profile.sample(ts, 1.5, rng)
		assert.GreaterOrEqual(t, v, profile.Min)
		assert.LessOrEqual(t, v, profile.Max)
	}
}

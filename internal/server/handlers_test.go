package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembleRoomViewsGroupsByRoomAndType(t *testing.T) {
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	rooms := []roomRecord{{RoomID: 1, RoomNumber: "101"}, {RoomID: 2, RoomNumber: "102"}}
	readings := []readingRecord{
		{RoomID: 1, ReadingType: "Temperature", Value: 20, Time: base},
		{RoomID: 2, ReadingType: "CO2", Value: 600, Time: base},
		{RoomID: 1, ReadingType: "Humidity", Value: 45, Time: base.Add(time.Minute)},
		{RoomID: 1, ReadingType: "Temperature", Value: 23.5, Time: base.Add(time.Hour)},
		{RoomID: 1, ReadingType: "Temperature", Value: 19, Time: base.Add(2 * time.Hour)},
		{RoomID: 99, ReadingType: "Light", Value: 300, Time: base},
	}

	views := assembleRoomViews(rooms, readings)

	require.Len(t, views, 2)
	assert.Equal(t, "101", views[0].RoomNumber)
	require.Len(t, views[0].Series, 2)
	assert.Equal(t, "Humidity", views[0].Series[0].ReadingType)
	temperature := views[0].Series[1]
	assert.Equal(t, "Temperature", temperature.ReadingType)
	assert.Len(t, temperature.Points, 3)
	assert.Equal(t, 19.0, temperature.Latest)
	assert.Equal(t, 19.0, temperature.Min)
	assert.Equal(t, 23.5, temperature.Max)

	require.Len(t, views[1].Series, 1)
	assert.Equal(t, "CO2", views[1].Series[0].ReadingType)
}

func TestAssembleRoomViewsKeepsRoomsWithoutMatchingReadings(t *testing.T) {
	views := assembleRoomViews([]roomRecord{{RoomID: 5, RoomNumber: "5"}}, nil)

	require.Len(t, views, 1)
	assert.Empty(t, views[0].Series)
}

func TestFormatReadingValue(t *testing.T) {
	assert.Equal(t, "21.57", formatReadingValue(21.5678))
	assert.Equal(t, "800", formatReadingValue(800))
	assert.Equal(t, "-3.5", formatReadingValue(-3.5))
}

func TestFlexibleIDAcceptsNumberAndString(t *testing.T) {
	var req notificationMutationRequest

	require.NoError(t, json.Unmarshal([]byte(`{"roomNumber":"101","groupId":42}`), &req))
	assert.Equal(t, flexibleID(42), req.GroupID)
	assert.Nil(t, req.Favorite)

	require.NoError(t, json.Unmarshal([]byte(`{"roomNumber":"101","groupId":"17","favorite":false}`), &req))
	assert.Equal(t, flexibleID(17), req.GroupID)
	require.NotNil(t, req.Favorite)
	assert.False(t, *req.Favorite)

	assert.Error(t, json.Unmarshal([]byte(`{"groupId":"abc"}`), &req))
}

func TestValidateRequestMessages(t *testing.T) {
	assert.Equal(t, "", validateRequest(signupRequest{Name: "Ada", Email: "ada@example.com", Password: "pw"}))
	assert.Equal(t, "name is required", validateRequest(signupRequest{Email: "ada@example.com", Password: "pw"}))
	assert.Equal(t, "email must be a valid email address", validateRequest(signupRequest{Name: "Ada", Email: "nope", Password: "pw"}))
	assert.Equal(t, "message is required", validateRequest(contactRequest{Name: "Ada", Email: "ada@example.com"}))
}

func TestValidateRequestLimitsPasswordBytes(t *testing.T) {
	req := signupRequest{Name: "Ada", Email: "ada@example.com", Password: strings.Repeat("é", 72)}
	assert.Equal(t, "password must be at most 72 bytes", validateRequest(req))

	req.Password = strings.Repeat("é", 36)
	assert.Equal(t, "", validateRequest(req))

	req.Password = strings.Repeat("a", 73)
	assert.Equal(t, "password must be at most 72 bytes", validateRequest(req))
}

func TestDBOpErrorCarriesOperation(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("wrapped: %w", dbOp("count_rooms", cause))

	assert.Equal(t, "count_rooms", operationOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, dbOp("count_rooms", nil))
	assert.Equal(t, "unknown", operationOf(cause))
}

func TestSplitNonEmptyLines(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitNonEmptyLines(" a \r\n\r\n  b\n"))
}

func TestTruncateForLogKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncateForLog("  short  ", 10))
	assert.Equal(t, "abc...(truncated)", truncateForLog("abcdef", 3))

	got := truncateForLog("aé€b", 3)
	assert.Equal(t, "aé...(truncated)", got)
	assert.True(t, utf8.ValidString(got))

	assert.Equal(t, "a...(truncated)", truncateForLog("a€€", 3))
}

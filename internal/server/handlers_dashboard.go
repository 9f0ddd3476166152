package server

import (
	"errors"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// dbOpError tags a query failure with the operation name used in logs and
// metrics, so a fan-out can report which leg failed.
type dbOpError struct {
	op  string
	err error
}

func (e *dbOpError) Error() string { return e.op + ": " + e.err.Error() }
func (e *dbOpError) Unwrap() error { return e.err }

func dbOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return &dbOpError{op: op, err: err}
}

func operationOf(err error) string {
	var opErr *dbOpError
	if errors.As(err, &opErr) {
		return opErr.op
	}
	return "unknown"
}

type dashboardView struct {
	RoomCount        int64
	ReadingTypeCount int64
	ReadingCount     int64
	Averages         []typeAverage
	Favorites        []notificationRecord
}

func (a *App) dashboard(c *gin.Context) {
	user, _ := authUserFromContext(c)
	view := dashboardView{}

	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() error {
		n, err := a.countRooms(ctx, user.ID)
		view.RoomCount = n
		return dbOp("count_rooms", err)
	})
	g.Go(func() error {
		n, err := a.countReadingTypes(ctx, user.ID)
		view.ReadingTypeCount = n
		return dbOp("count_reading_types", err)
	})
	g.Go(func() error {
		n, err := a.countReadings(ctx, user.ID)
		view.ReadingCount = n
		return dbOp("count_readings", err)
	})
	g.Go(func() error {
		rows, err := a.averagesByType(ctx, user.ID)
		view.Averages = rows
		return dbOp("averages_by_type", err)
	})
	g.Go(func() error {
		rows, err := a.listFavoriteNotifications(ctx, user.ID)
		view.Favorites = rows
		return dbOp("list_favorites", err)
	})
	if err := g.Wait(); err != nil {
		a.logDBError(c.Request.Context(), operationOf(err), err)
		a.renderError(c, http.StatusInternalServerError, "We could not load your dashboard right now.")
		return
	}

	a.renderPage(c, http.StatusOK, "dashboard", pageData{
		Title:       "Dashboard",
		CurrentUser: &user,
		Data:        view,
	})
}

type seriesPoint struct {
	Time  time.Time `json:"t"`
	Value float64   `json:"v"`
}

type readingSeries struct {
	ReadingType string        `json:"readingType"`
	Points      []seriesPoint `json:"points"`
	Latest      float64       `json:"latest"`
	Min         float64       `json:"min"`
	Max         float64       `json:"max"`
}

type roomView struct {
	RoomID     int64           `json:"roomId"`
	RoomNumber string          `json:"roomNumber"`
	Series     []readingSeries `json:"series"`
}

type roomsDataView struct {
	Rooms []roomView
}

// assembleRoomViews groups time-ordered readings under their rooms and splits
// each room into one series per reading type. Readings for rooms not in the
// list are ignored.
func assembleRoomViews(rooms []roomRecord, readings []readingRecord) []roomView {
	views := make([]roomView, 0, len(rooms))
	index := make(map[int64]int, len(rooms))
	for _, room := range rooms {
		index[room.RoomID] = len(views)
		views = append(views, roomView{RoomID: room.RoomID, RoomNumber: room.RoomNumber})
	}

	seriesIndex := make(map[int64]map[string]int, len(rooms))
	for _, reading := range readings {
		pos, ok := index[reading.RoomID]
		if !ok {
			continue
		}
		byType, ok := seriesIndex[reading.RoomID]
		if !ok {
			byType = map[string]int{}
			seriesIndex[reading.RoomID] = byType
		}
		sPos, ok := byType[reading.ReadingType]
		if !ok {
			sPos = len(views[pos].Series)
			byType[reading.ReadingType] = sPos
			views[pos].Series = append(views[pos].Series, readingSeries{
				ReadingType: reading.ReadingType,
				Min:         reading.Value,
				Max:         reading.Value,
			})
		}
		series := &views[pos].Series[sPos]
		series.Points = append(series.Points, seriesPoint{Time: reading.Time, Value: reading.Value})
		series.Latest = reading.Value
		series.Min = math.Min(series.Min, reading.Value)
		series.Max = math.Max(series.Max, reading.Value)
	}

	for i := range views {
		sort.Slice(views[i].Series, func(x, y int) bool {
			return views[i].Series[x].ReadingType < views[i].Series[y].ReadingType
		})
	}
	return views
}

func formatReadingValue(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}

func (a *App) roomsData(c *gin.Context) {
	user, _ := authUserFromContext(c)
	scope := userScope(user.ID)

	var (
		rooms    []roomRecord
		readings []readingRecord
	)
	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() error {
		var err error
		rooms, err = a.listRoomsWithReadings(ctx, scope)
		return dbOp("list_rooms_with_readings", err)
	})
	g.Go(func() error {
		var err error
		readings, err = a.listReadings(ctx, scope, nil)
		return dbOp("list_readings", err)
	})
	if err := g.Wait(); err != nil {
		a.logDBError(c.Request.Context(), operationOf(err), err)
		a.renderError(c, http.StatusInternalServerError, "We could not load your rooms right now.")
		return
	}

	a.renderPage(c, http.StatusOK, "rooms_data", pageData{
		Title:       "Rooms",
		CurrentUser: &user,
		Data:        roomsDataView{Rooms: assembleRoomViews(rooms, readings)},
	})
}

// legacyScope is global only in demo mode; otherwise apiAuth has attached a user.
func (a *App) legacyScope(c *gin.Context) readScope {
	if a.cfg.DemoMode {
		return readScope{global: true}
	}
	user, _ := authUserFromContext(c)
	return userScope(user.ID)
}

func (a *App) legacyRooms(c *gin.Context) {
	ctx := c.Request.Context()
	rooms, err := a.listRooms(ctx, a.legacyScope(c))
	if err != nil {
		a.logDBError(ctx, "list_rooms", err)
		writeError(c, http.StatusInternalServerError, "Database error")
		return
	}
	c.JSON(http.StatusOK, rooms)
}

func (a *App) legacyReadings(c *gin.Context) {
	var roomID *int64
	if raw := strings.TrimSpace(c.Param("roomId")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			writeError(c, http.StatusBadRequest, "Invalid room id")
			return
		}
		roomID = &parsed
	}

	ctx := c.Request.Context()
	readings, err := a.listReadings(ctx, a.legacyScope(c), roomID)
	if err != nil {
		a.logDBError(ctx, "list_readings", err)
		writeError(c, http.StatusInternalServerError, "Database error")
		return
	}
	c.JSON(http.StatusOK, readings)
}

package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var errNotFound = errors.New("not found")

type dbQuerier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// readScope restricts reads to one user's rows. global is only set by the
// legacy routes in demo mode.
type readScope struct {
	userID string
	global bool
}

func userScope(userID string) readScope {
	return readScope{userID: userID}
}

func (s readScope) arg() any {
	if s.global {
		return nil
	}
	return s.userID
}

type userCredentials struct {
	AuthUser
	PasswordHash string
}

type roomRecord struct {
	RoomID     int64  `json:"RoomID"`
	RoomNumber string `json:"RoomNumber"`
}

type readingRecord struct {
	ReadingID   int64     `json:"ReadingID"`
	RoomID      int64     `json:"RoomID"`
	SensorID    string    `json:"SensorID"`
	Time        time.Time `json:"Time"`
	ReadingType string    `json:"ReadingType"`
	Value       float64   `json:"Value"`
}

type roomReadingSample struct {
	RoomNumber  string
	ReadingID   int64
	SensorID    string
	Time        time.Time
	ReadingType string
	Value       float64
}

type typeAverage struct {
	ReadingType string  `json:"readingType"`
	Average     float64 `json:"average"`
	Samples     int64   `json:"samples"`
}

type bucketAverage struct {
	BucketStart time.Time `json:"bucketStart"`
	ReadingType string    `json:"readingType"`
	Average     float64   `json:"average"`
	Samples     int64     `json:"samples"`
}

type adviceGroupRecord struct {
	GroupID   int64     `json:"groupId"`
	GroupName string    `json:"groupName"`
	CreatedAt time.Time `json:"createdAt"`
}

type notificationRecord struct {
	NotificationID int64     `json:"notificationId"`
	GroupID        int64     `json:"groupId"`
	RoomNumber     string    `json:"roomNumber"`
	AdviceText     string    `json:"adviceText"`
	IsFavorite     bool      `json:"isFavorite"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (a *App) loadUserByID(ctx context.Context, userID string) (AuthUser, error) {
	user := AuthUser{}
	err := a.db.QueryRow(
		ctx,
		`SELECT id, name, email FROM users WHERE id = $1`,
		userID,
	).Scan(&user.ID, &user.Name, &user.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return AuthUser{}, errNotFound
	}
	if err != nil {
		return AuthUser{}, err
	}
	return user, nil
}

func (a *App) loadCredentialsByEmail(ctx context.Context, email string) (userCredentials, error) {
	creds := userCredentials{}
	err := a.db.QueryRow(
		ctx,
		`SELECT id, name, email, password_hash FROM users WHERE lower(email) = lower($1)`,
		email,
	).Scan(&creds.ID, &creds.Name, &creds.Email, &creds.PasswordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return userCredentials{}, errNotFound
	}
	if err != nil {
		return userCredentials{}, err
	}
	return creds, nil
}

func (a *App) emailRegistered(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := a.db.QueryRow(
		ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE lower(email) = lower($1))`,
		email,
	).Scan(&exists)
	return exists, err
}

func (a *App) insertUser(ctx context.Context, id, name, email, passwordHash string) error {
	_, err := a.db.Exec(
		ctx,
		`INSERT INTO users (id, name, email, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, NOW())`,
		id,
		name,
		email,
		passwordHash,
	)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (a *App) countRooms(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := a.db.QueryRow(ctx, `SELECT COUNT(*) FROM room WHERE user_id = $1`, userID).Scan(&count)
	return count, err
}

func (a *App) countReadingTypes(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := a.db.QueryRow(ctx, `SELECT COUNT(DISTINCT reading_type) FROM reading WHERE user_id = $1`, userID).Scan(&count)
	return count, err
}

func (a *App) countReadings(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := a.db.QueryRow(ctx, `SELECT COUNT(*) FROM reading WHERE user_id = $1`, userID).Scan(&count)
	return count, err
}

func (a *App) averagesByType(ctx context.Context, userID string) ([]typeAverage, error) {
	rows, err := a.db.Query(
		ctx,
		`SELECT reading_type, AVG(value)::double precision, COUNT(*)
		 FROM reading
		 WHERE user_id = $1
		 GROUP BY reading_type
		 ORDER BY reading_type`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]typeAverage, 0, 5)
	for rows.Next() {
		item := typeAverage{}
		if err := rows.Scan(&item.ReadingType, &item.Average, &item.Samples); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func (a *App) listRooms(ctx context.Context, scope readScope) ([]roomRecord, error) {
	rows, err := a.db.Query(
		ctx,
		`SELECT room_id, room_number
		 FROM room
		 WHERE ($1::text IS NULL OR user_id = $1)
		 ORDER BY room_id`,
		scope.arg(),
	)
	if err != nil {
		return nil, err
	}
	return collectRooms(rows)
}

// listRoomsWithReadings returns only rooms that have at least one reading.
func (a *App) listRoomsWithReadings(ctx context.Context, scope readScope) ([]roomRecord, error) {
	rows, err := a.db.Query(
		ctx,
		`SELECT rm.room_id, rm.room_number
		 FROM room rm
		 WHERE ($1::text IS NULL OR rm.user_id = $1)
		   AND EXISTS (
		     SELECT 1 FROM reading r
		     WHERE r.room_id = rm.room_id
		       AND ($1::text IS NULL OR r.user_id = $1)
		   )
		 ORDER BY rm.room_id`,
		scope.arg(),
	)
	if err != nil {
		return nil, err
	}
	return collectRooms(rows)
}

func collectRooms(rows pgx.Rows) ([]roomRecord, error) {
	defer rows.Close()
	result := make([]roomRecord, 0, 16)
	for rows.Next() {
		room := roomRecord{}
		if err := rows.Scan(&room.RoomID, &room.RoomNumber); err != nil {
			return nil, err
		}
		result = append(result, room)
	}
	return result, rows.Err()
}

func (a *App) listRoomNumbers(ctx context.Context, userID string) ([]string, error) {
	rooms, err := a.listRooms(ctx, userScope(userID))
	if err != nil {
		return nil, err
	}
	numbers := make([]string, 0, len(rooms))
	for _, room := range rooms {
		numbers = append(numbers, room.RoomNumber)
	}
	return numbers, nil
}

// listReadings returns readings ordered by time. roomID of nil means all rooms.
func (a *App) listReadings(ctx context.Context, scope readScope, roomID *int64) ([]readingRecord, error) {
	rows, err := a.db.Query(
		ctx,
		`SELECT reading_id, room_id, sensor_id, time, reading_type, value
		 FROM reading
		 WHERE ($1::text IS NULL OR user_id = $1)
		   AND ($2::bigint IS NULL OR room_id = $2)
		 ORDER BY time, reading_id`,
		scope.arg(),
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]readingRecord, 0, 256)
	for rows.Next() {
		item := readingRecord{}
		if err := rows.Scan(&item.ReadingID, &item.RoomID, &item.SensorID, &item.Time, &item.ReadingType, &item.Value); err != nil {
			return nil, err
		}
		item.Time = item.Time.UTC()
		result = append(result, item)
	}
	return result, rows.Err()
}

// sampleRecentReadings picks up to perRoom readings per room, newest first
// with a random tie-break, to bound prompt size while keeping some variety.
func (a *App) sampleRecentReadings(ctx context.Context, userID string, perRoom int) ([]roomReadingSample, error) {
	rows, err := a.db.Query(
		ctx,
		`SELECT room_number, reading_id, sensor_id, time, reading_type, value
		 FROM (
		   SELECT rm.room_number, r.reading_id, r.sensor_id, r.time, r.reading_type, r.value,
		          ROW_NUMBER() OVER (PARTITION BY r.room_id ORDER BY r.time DESC, random()) AS rn
		   FROM reading r
		   JOIN room rm ON rm.room_id = r.room_id
		   WHERE r.user_id = $1 AND rm.user_id = $1
		 ) ranked
		 WHERE rn <= $2
		 ORDER BY room_number, time`,
		userID,
		perRoom,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]roomReadingSample, 0, 64)
	for rows.Next() {
		item := roomReadingSample{}
		if err := rows.Scan(&item.RoomNumber, &item.ReadingID, &item.SensorID, &item.Time, &item.ReadingType, &item.Value); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

// bucketedAverages averages each reading type per fixed-width time bucket for
// one of the user's rooms. limit counts whole buckets, newest kept, and the
// result is returned oldest first.
func (a *App) bucketedAverages(ctx context.Context, userID, roomNumber string, width time.Duration, limit int) ([]bucketAverage, error) {
	rows, err := a.db.Query(
		ctx,
		`SELECT bucket_start, reading_type, average, samples
		 FROM (
		   SELECT bucket_start, reading_type, average, samples,
		          DENSE_RANK() OVER (ORDER BY bucket_start DESC) AS bucket_rank
		   FROM (
		     SELECT to_timestamp(floor(extract(epoch FROM r.time) / $3::double precision) * $3::double precision) AS bucket_start,
		            r.reading_type,
		            AVG(r.value)::double precision AS average,
		            COUNT(*) AS samples
		     FROM reading r
		     JOIN room rm ON rm.room_id = r.room_id
		     WHERE rm.user_id = $1 AND r.user_id = $1 AND rm.room_number = $2
		     GROUP BY bucket_start, r.reading_type
		   ) grouped
		 ) ranked
		 WHERE bucket_rank <= $4
		 ORDER BY bucket_start, reading_type`,
		userID,
		roomNumber,
		width.Seconds(),
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]bucketAverage, 0, limit)
	for rows.Next() {
		item := bucketAverage{}
		if err := rows.Scan(&item.BucketStart, &item.ReadingType, &item.Average, &item.Samples); err != nil {
			return nil, err
		}
		item.BucketStart = item.BucketStart.UTC()
		result = append(result, item)
	}
	return result, rows.Err()
}

func (a *App) listFavoriteNotifications(ctx context.Context, userID string) ([]notificationRecord, error) {
	rows, err := a.db.Query(
		ctx,
		`SELECT notification_id, group_id, room_number, advice_text, is_favorite, created_at
		 FROM notifications
		 WHERE user_id = $1 AND is_favorite
		 ORDER BY created_at DESC, notification_id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

func (a *App) listAdviceGroups(ctx context.Context, userID string) ([]adviceGroupRecord, error) {
	rows, err := a.db.Query(
		ctx,
		`SELECT group_id, group_name, created_at
		 FROM advice_groups
		 WHERE user_id = $1
		 ORDER BY created_at DESC, group_id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]adviceGroupRecord, 0, 16)
	for rows.Next() {
		group := adviceGroupRecord{}
		if err := rows.Scan(&group.GroupID, &group.GroupName, &group.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, group)
	}
	return result, rows.Err()
}

func (a *App) listGroupNotifications(ctx context.Context, userID string, groupID int64) ([]notificationRecord, error) {
	rows, err := a.db.Query(
		ctx,
		`SELECT notification_id, group_id, room_number, advice_text, is_favorite, created_at
		 FROM notifications
		 WHERE user_id = $1 AND group_id = $2
		 ORDER BY position, notification_id`,
		userID,
		groupID,
	)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

func (a *App) randomNotifications(ctx context.Context, userID string, limit int) ([]notificationRecord, error) {
	rows, err := a.db.Query(
		ctx,
		`SELECT notification_id, group_id, room_number, advice_text, is_favorite, created_at
		 FROM notifications
		 WHERE user_id = $1
		 ORDER BY random()
		 LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

func (a *App) recentNotifications(ctx context.Context, userID string, limit int) ([]notificationRecord, error) {
	rows, err := a.db.Query(
		ctx,
		`SELECT notification_id, group_id, room_number, advice_text, is_favorite, created_at
		 FROM notifications
		 WHERE user_id = $1
		 ORDER BY created_at DESC, notification_id DESC
		 LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

func collectNotifications(rows pgx.Rows) ([]notificationRecord, error) {
	defer rows.Close()
	result := make([]notificationRecord, 0, 32)
	for rows.Next() {
		item := notificationRecord{}
		if err := rows.Scan(&item.NotificationID, &item.GroupID, &item.RoomNumber, &item.AdviceText, &item.IsFavorite, &item.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

// createAdviceGroup writes the group and all of its notifications in one
// transaction. The member inserts are pipelined in a single batch after the
// group row exists; any failure rolls the whole unit back.
func (a *App) createAdviceGroup(ctx context.Context, userID, groupName string, items []parsedAdvice) (adviceGroupRecord, []notificationRecord, error) {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return adviceGroupRecord{}, nil, err
	}
	defer tx.Rollback(ctx)

	group, err := insertAdviceGroup(ctx, tx, userID, groupName)
	if err != nil {
		return adviceGroupRecord{}, nil, fmt.Errorf("create advice group: %w", err)
	}

	batch := &pgx.Batch{}
	for idx, item := range items {
		batch.Queue(
			`INSERT INTO notifications (group_id, room_number, advice_text, is_favorite, user_id, position, created_at)
			 VALUES ($1, $2, $3, FALSE, $4, $5, NOW())
			 RETURNING notification_id, created_at`,
			group.GroupID,
			item.RoomNumber,
			item.AdviceText,
			userID,
			idx,
		)
	}

	results := tx.SendBatch(ctx, batch)
	records := make([]notificationRecord, 0, len(items))
	var insertErrs []error
	for _, item := range items {
		record := notificationRecord{
			GroupID:    group.GroupID,
			RoomNumber: item.RoomNumber,
			AdviceText: item.AdviceText,
		}
		if err := results.QueryRow().Scan(&record.NotificationID, &record.CreatedAt); err != nil {
			insertErrs = append(insertErrs, err)
			continue
		}
		records = append(records, record)
	}
	if err := results.Close(); err != nil && len(insertErrs) == 0 {
		insertErrs = append(insertErrs, err)
	}
	if len(insertErrs) > 0 {
		return adviceGroupRecord{}, nil, fmt.Errorf(
			"insert notifications: %d of %d failed: %w",
			len(insertErrs),
			len(items),
			errors.Join(insertErrs...),
		)
	}

	if err := tx.Commit(ctx); err != nil {
		return adviceGroupRecord{}, nil, err
	}
	return group, records, nil
}

func insertAdviceGroup(ctx context.Context, q dbQuerier, userID, groupName string) (adviceGroupRecord, error) {
	group := adviceGroupRecord{}
	err := q.QueryRow(
		ctx,
		`INSERT INTO advice_groups (group_name, user_id, created_at)
		 VALUES ($1, $2, NOW())
		 RETURNING group_id, group_name, created_at`,
		groupName,
		userID,
	).Scan(&group.GroupID, &group.GroupName, &group.CreatedAt)
	return group, err
}

// deleteNotifications removes the caller's rows matching room and group and
// reports how many went away. Rows owned by other users never match.
func (a *App) deleteNotifications(ctx context.Context, userID, roomNumber string, groupID int64) (int64, error) {
	tag, err := a.db.Exec(
		ctx,
		`DELETE FROM notifications
		 WHERE user_id = $1 AND room_number = $2 AND group_id = $3`,
		userID,
		roomNumber,
		groupID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (a *App) setNotificationFavorite(ctx context.Context, userID, roomNumber string, groupID int64, favorite bool) (int64, error) {
	tag, err := a.db.Exec(
		ctx,
		`UPDATE notifications
		 SET is_favorite = $4
		 WHERE user_id = $1 AND room_number = $2 AND group_id = $3`,
		userID,
		roomNumber,
		groupID,
		favorite,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (a *App) insertContactMessage(ctx context.Context, req contactRequest) error {
	_, err := a.db.Exec(
		ctx,
		`INSERT INTO contact_messages (name, email, message, created_at)
		 VALUES ($1, $2, $3, NOW())`,
		strings.TrimSpace(req.Name),
		strings.TrimSpace(req.Email),
		strings.TrimSpace(req.Message),
	)
	return err
}

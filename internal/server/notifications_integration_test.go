package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func seedRoomWithReadings(t *testing.T, userID, roomNumber string, count int) int64 {
	t.Helper()
	roomID := seedRoom(t, userID, roomNumber)
	base := time.Now().UTC().Add(-time.Duration(count) * time.Minute)
	for i := 0; i < count; i++ {
		seedReading(t, userID, roomID, "Temperature", 20+float64(i)/10, base.Add(time.Duration(i)*time.Minute))
	}
	return roomID
}

func TestGenerateNotificationsPersistsGroupInOrder(t *testing.T) {
	env := newTestEnv(t)
	user := seedUser(t, "Gen")
	seedRoomWithReadings(t, user.ID, "101", 3)
	env.ai.answers[aiPurposeAdvice] = strings.Join([]string{
		`Room 101: "Lower the thermostat at night"`,
		"Note: CO2 looks fine everywhere",
		"Nothing else to add",
		`Room General: "Unplug idle chargers"`,
	}, "\n")
	token := sessionFor(t, env, user)

	rec := performRequest(t, env.router, http.MethodPost, "/notifications/generate", token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeJSONMap(t, rec)
	if body["fallback"] != false {
		t.Fatalf("expected fallback=false, got %v", body["fallback"])
	}
	items, _ := body["notifications"].([]any)
	if len(items) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(items))
	}
	second, _ := items[1].(map[string]any)
	if second["kind"] != string(adviceFreeform) || second["roomNumber"] != "General" {
		t.Fatalf("expected freeform general item, got %v", second)
	}

	groupID := int64(body["groupId"].(float64))
	listed, err := env.app.listGroupNotifications(t.Context(), user.ID, groupID)
	if err != nil {
		t.Fatalf("list group notifications: %v", err)
	}
	want := []string{"Lower the thermostat at night", "Note: CO2 looks fine everywhere", "Unplug idle chargers"}
	if len(listed) != len(want) {
		t.Fatalf("expected %d stored notifications, got %d", len(want), len(listed))
	}
	for i, text := range want {
		if listed[i].AdviceText != text {
			t.Fatalf("position %d: expected %q, got %q", i, text, listed[i].AdviceText)
		}
	}

	requests := env.ai.Requests()
	if len(requests) != 1 {
		t.Fatalf("expected 1 completion call, got %d", len(requests))
	}
	if requests[0].SystemPrompt != adviceSystemPrompt || requests[0].MaxOutputTokens != 700 {
		t.Fatalf("unexpected completion request %+v", requests[0])
	}
	if !strings.Contains(requests[0].UserPrompt, `"roomNumber":"101"`) {
		t.Fatal("expected readings for room 101 in the prompt")
	}
}

func TestGenerateNotificationsCapsReadingsPerRoom(t *testing.T) {
	env := newTestEnv(t)
	user := seedUser(t, "Cap")
	seedRoomWithReadings(t, user.ID, "1", adviceReadingsPerRoom+5)
	env.ai.answers[aiPurposeAdvice] = `Room 1: "ok"`

	rec := performRequest(t, env.router, http.MethodPost, "/notifications/generate", sessionFor(t, env, user), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	prompt := env.ai.Requests()[0].UserPrompt
	if got := strings.Count(prompt, `"type":"Temperature"`); got != adviceReadingsPerRoom {
		t.Fatalf("expected %d readings in prompt, got %d", adviceReadingsPerRoom, got)
	}
}

func TestGenerateNotificationsFallsBackToExistingAdvice(t *testing.T) {
	env := newTestEnv(t)
	user := seedUser(t, "Fallback")
	seedRoomWithReadings(t, user.ID, "7", 2)
	groupID := seedAdviceGroup(t, user.ID, "Earlier")
	for i := 0; i < 25; i++ {
		seedNotification(t, user.ID, groupID, "7", fmt.Sprintf("old advice %d", i), false)
	}
	env.ai.answers[aiPurposeAdvice] = "I could not find anything useful to say"

	rec := performRequest(t, env.router, http.MethodPost, "/notifications/generate", sessionFor(t, env, user), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeJSONMap(t, rec)
	if body["fallback"] != true {
		t.Fatalf("expected fallback=true, got %v", body["fallback"])
	}
	items, _ := body["notifications"].([]any)
	if len(items) != adviceFallbackSample {
		t.Fatalf("expected %d resampled notifications, got %d", adviceFallbackSample, len(items))
	}
	if got := countRows(t, `SELECT COUNT(*) FROM advice_groups WHERE user_id = $1`, user.ID); got != 1 {
		t.Fatalf("fallback must not create a group, got %d groups", got)
	}
}

func TestGenerateNotificationsWithoutReadingsSkipsCompletion(t *testing.T) {
	env := newTestEnv(t)
	user := seedUser(t, "Empty")

	rec := performRequest(t, env.router, http.MethodPost, "/notifications/generate", sessionFor(t, env, user), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeJSONMap(t, rec)
	items, _ := body["notifications"].([]any)
	if len(items) != 0 || body["fallback"] != true {
		t.Fatalf("expected empty fallback, got %v", body)
	}
	if len(env.ai.Requests()) != 0 {
		t.Fatal("expected no completion call without readings")
	}
}

func TestGenerateNotificationsUpstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	user := seedUser(t, "Upstream")
	seedRoomWithReadings(t, user.ID, "3", 2)
	env.ai.err = errFakeUpstream

	rec := performRequest(t, env.router, http.MethodPost, "/notifications/generate", sessionFor(t, env, user), nil, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), errFakeUpstream.Error()) {
		t.Fatal("upstream error leaked to client")
	}
	if got := countRows(t, `SELECT COUNT(*) FROM advice_groups`); got != 0 {
		t.Fatalf("expected no groups, got %d", got)
	}
}

// rejectAdviceText makes Postgres refuse any notification row carrying text,
// so a single member insert of a batch fails.
func rejectAdviceText(t *testing.T, text string) {
	t.Helper()
	ctx := t.Context()
	if _, err := testPool.Exec(ctx, `ALTER TABLE notifications DROP CONSTRAINT IF EXISTS notifications_reject_text`); err != nil {
		t.Fatalf("drop constraint: %v", err)
	}
	if _, err := testPool.Exec(
		ctx,
		fmt.Sprintf(`ALTER TABLE notifications ADD CONSTRAINT notifications_reject_text CHECK (advice_text <> '%s')`, text),
	); err != nil {
		t.Fatalf("add constraint: %v", err)
	}
	t.Cleanup(func() {
		_, _ = testPool.Exec(context.Background(), `ALTER TABLE notifications DROP CONSTRAINT IF EXISTS notifications_reject_text`)
	})
}

func TestGenerateNotificationsMemberInsertFailureRollsBackGroup(t *testing.T) {
	env := newTestEnv(t)
	user := seedUser(t, "Rollback")
	seedRoomWithReadings(t, user.ID, "101", 2)
	rejectAdviceText(t, "rejected advice")
	env.ai.answers[aiPurposeAdvice] = strings.Join([]string{
		`Room 101: "Lower the thermostat at night"`,
		`Room 101: "rejected advice"`,
		`Room General: "Unplug idle chargers"`,
	}, "\n")

	rec := performRequest(t, env.router, http.MethodPost, "/notifications/generate", sessionFor(t, env, user), nil, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d body=%s", rec.Code, rec.Body.String())
	}
	if detail := responseDetail(t, rec); detail != "Failed to save advice" {
		t.Fatalf("unexpected detail %q", detail)
	}
	if got := countRows(t, `SELECT COUNT(*) FROM advice_groups WHERE user_id = $1`, user.ID); got != 0 {
		t.Fatalf("expected no orphaned group, got %d", got)
	}
	if got := countRows(t, `SELECT COUNT(*) FROM notifications WHERE user_id = $1`, user.ID); got != 0 {
		t.Fatalf("expected no partial notifications, got %d", got)
	}
}

func TestTopNotificationsParsesBullets(t *testing.T) {
	env := newTestEnv(t)
	user := seedUser(t, "Top")
	groupID := seedAdviceGroup(t, user.ID, "G")
	seedNotification(t, user.ID, groupID, "1", "Close blinds", false)
	env.ai.answers[aiPurposeTopAdvice] = "Here you go:\n- Close blinds in the afternoon\n* Lower heating overnight"

	rec := performRequest(t, env.router, http.MethodGet, "/notifications/top", sessionFor(t, env, user), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := decodeStringList(t, decodeJSONMap(t, rec)["topAdvice"])
	if len(got) != 2 || got[0] != "Close blinds in the afternoon" || got[1] != "Lower heating overnight" {
		t.Fatalf("unexpected top advice %v", got)
	}
	if !strings.Contains(env.ai.Requests()[0].UserPrompt, "- Room 1: Close blinds") {
		t.Fatal("expected stored advice in the ranking prompt")
	}
}

func TestTopNotificationsWithoutAdviceSkipsCompletion(t *testing.T) {
	env := newTestEnv(t)
	user := seedUser(t, "TopEmpty")

	rec := performRequest(t, env.router, http.MethodGet, "/notifications/top", sessionFor(t, env, user), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decodeStringList(t, decodeJSONMap(t, rec)["topAdvice"]); len(got) != 0 {
		t.Fatalf("expected empty list, got %v", got)
	}
	if len(env.ai.Requests()) != 0 {
		t.Fatal("expected no completion call")
	}
}

func TestDeleteNotificationScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	owner := seedUser(t, "Owner")
	intruder := seedUser(t, "Intruder")
	groupID := seedAdviceGroup(t, owner.ID, "G")
	seedNotification(t, owner.ID, groupID, "101", "Close blinds", false)
	payload := map[string]any{"roomNumber": "101", "groupId": groupID}

	rec := performRequest(t, env.router, http.MethodDelete, "/notifications/delete", sessionFor(t, env, intruder), payload, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user's notification, got %d", rec.Code)
	}
	if got := countRows(t, `SELECT COUNT(*) FROM notifications`); got != 1 {
		t.Fatalf("expected notification untouched, got %d rows", got)
	}

	rec = performRequest(t, env.router, http.MethodDelete, "/notifications/delete", sessionFor(t, env, owner), payload, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if body := decodeJSONMap(t, rec); body["success"] != true {
		t.Fatalf("expected success, got %v", body)
	}
	if got := countRows(t, `SELECT COUNT(*) FROM notifications`); got != 0 {
		t.Fatalf("expected notification deleted, got %d rows", got)
	}

	rec = performRequest(t, env.router, http.MethodDelete, "/notifications/delete", sessionFor(t, env, owner), payload, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestFavoriteNotificationScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	owner := seedUser(t, "Owner")
	intruder := seedUser(t, "Intruder")
	groupID := seedAdviceGroup(t, owner.ID, "G")
	seedNotification(t, owner.ID, groupID, "101", "Close blinds", false)

	payload := map[string]any{"roomNumber": "101", "groupId": fmt.Sprint(groupID)}
	rec := performRequest(t, env.router, http.MethodPost, "/notifications/favorite", sessionFor(t, env, intruder), payload, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if got := countRows(t, `SELECT COUNT(*) FROM notifications WHERE is_favorite`); got != 0 {
		t.Fatal("intruder changed the favorite flag")
	}

	rec = performRequest(t, env.router, http.MethodPost, "/notifications/favorite", sessionFor(t, env, owner), payload, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if got := countRows(t, `SELECT COUNT(*) FROM notifications WHERE is_favorite`); got != 1 {
		t.Fatal("expected notification favorited")
	}

	dash := performRequest(t, env.router, http.MethodGet, "/dashboard", sessionFor(t, env, owner), nil, nil)
	if !strings.Contains(dash.Body.String(), "Close blinds") {
		t.Fatal("expected favorite on the dashboard")
	}

	payload["favorite"] = false
	rec = performRequest(t, env.router, http.MethodPost, "/notifications/favorite", sessionFor(t, env, owner), payload, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := countRows(t, `SELECT COUNT(*) FROM notifications WHERE is_favorite`); got != 0 {
		t.Fatal("expected favorite cleared")
	}
}

func TestNotificationMutationValidatesPayload(t *testing.T) {
	env := newTestEnv(t)
	user := seedUser(t, "Validate")
	token := sessionFor(t, env, user)

	rec := performRequest(t, env.router, http.MethodPost, "/notifications/favorite", token, map[string]any{"groupId": 1}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without roomNumber, got %d", rec.Code)
	}
	rec = performRequest(t, env.router, http.MethodDelete, "/notifications/delete", token, map[string]any{"roomNumber": "1", "groupId": "x"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad groupId, got %d", rec.Code)
	}
}

func TestNotificationsPageHidesOtherUsersGroups(t *testing.T) {
	env := newTestEnv(t)
	owner := seedUser(t, "Owner")
	other := seedUser(t, "Other")
	groupID := seedAdviceGroup(t, owner.ID, "Owner advice run")
	seedNotification(t, owner.ID, groupID, "101", "Secret owner advice", false)

	rec := performRequest(t, env.router, http.MethodGet, fmt.Sprintf("/notifications?group=%d", groupID), sessionFor(t, env, other), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "Secret owner advice") {
		t.Fatal("leaked another user's advice")
	}

	rec = performRequest(t, env.router, http.MethodGet, fmt.Sprintf("/notifications?group=%d", groupID), sessionFor(t, env, owner), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Secret owner advice") {
		t.Fatal("expected owner to see their advice")
	}
}

func TestGenerateNotificationsRateLimited(t *testing.T) {
	cfg := newTestConfig()
	cfg.AIRateLimitPerMin = 1
	env := newTestEnvWithConfig(t, cfg)
	user := seedUser(t, "Limited")
	token := sessionFor(t, env, user)

	first := performRequest(t, env.router, http.MethodPost, "/notifications/generate", token, nil, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", first.Code)
	}
	second := performRequest(t, env.router, http.MethodPost, "/notifications/generate", token, nil, nil)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
}

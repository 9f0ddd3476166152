package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"homesense/dashboard/internal/logging"
	"homesense/dashboard/internal/metrics"
)

const adviceFallback adviceKind = "fallback"

type adviceItemView struct {
	NotificationID int64      `json:"notificationId,omitempty"`
	GroupID        int64      `json:"groupId"`
	RoomNumber     string     `json:"roomNumber"`
	AdviceText     string     `json:"adviceText"`
	Kind           adviceKind `json:"kind"`
	IsFavorite     bool       `json:"isFavorite"`
}

type notificationsView struct {
	Groups        []adviceGroupRecord
	SelectedGroup *adviceGroupRecord
	Notifications []notificationRecord
}

func (a *App) notificationsPage(c *gin.Context) {
	user, _ := authUserFromContext(c)
	ctx := c.Request.Context()

	var groupID int64
	if raw := strings.TrimSpace(c.Query("group")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			a.renderError(c, http.StatusBadRequest, "Invalid advice group.")
			return
		}
		groupID = parsed
	}

	groups, err := a.listAdviceGroups(ctx, user.ID)
	if err != nil {
		a.logDBError(ctx, "list_advice_groups", err)
		a.renderError(c, http.StatusInternalServerError, "We could not load your advice right now.")
		return
	}
	view := notificationsView{Groups: groups}

	if groupID > 0 {
		for i := range groups {
			if groups[i].GroupID == groupID {
				view.SelectedGroup = &groups[i]
				break
			}
		}
		// another user's group looks exactly like a missing one
		if view.SelectedGroup == nil {
			a.renderError(c, http.StatusNotFound, "Advice group not found.")
			return
		}
		view.Notifications, err = a.listGroupNotifications(ctx, user.ID, groupID)
		if err != nil {
			a.logDBError(ctx, "list_group_notifications", err)
			a.renderError(c, http.StatusInternalServerError, "We could not load your advice right now.")
			return
		}
	}

	a.renderPage(c, http.StatusOK, "notifications", pageData{
		Title:       "Advice",
		CurrentUser: &user,
		Data:        view,
	})
}

func (a *App) generateNotifications(c *gin.Context) {
	user, _ := authUserFromContext(c)
	ctx := c.Request.Context()

	samples, err := a.sampleRecentReadings(ctx, user.ID, adviceReadingsPerRoom)
	if err != nil {
		a.logDBError(ctx, "sample_recent_readings", err)
		writeError(c, http.StatusInternalServerError, "Database error")
		return
	}

	var items []parsedAdvice
	if len(samples) > 0 {
		resp, err := a.ai.Query(ctx, AIModelRequest{
			Purpose:         aiPurposeAdvice,
			SystemPrompt:    adviceSystemPrompt,
			UserPrompt:      buildAdvicePrompt(groupSamplesByRoom(samples)),
			MaxOutputTokens: a.cfg.AIAdviceMaxTokens,
		})
		if err != nil {
			logging.Ctx(ctx).Error().Err(err).Msg("advice completion failed")
			writeError(c, http.StatusInternalServerError, "Failed to generate advice")
			return
		}
		items = parseAdviceReply(resp.Answer)
		if len(items) == 0 {
			logging.Ctx(ctx).Warn().Str("reply", truncateForLog(resp.Answer, 400)).Msg("advice reply had no parseable lines")
		}
	}

	if len(items) == 0 {
		a.respondAdviceFallback(c, user)
		return
	}

	group, records, err := a.createAdviceGroup(ctx, user.ID, adviceGroupName(a.now()), items)
	if err != nil {
		a.logDBError(ctx, "create_advice_group", err)
		writeError(c, http.StatusInternalServerError, "Failed to save advice")
		return
	}

	views := make([]adviceItemView, 0, len(records))
	kindCounts := map[adviceKind]int{}
	for idx, record := range records {
		kind := items[idx].Kind
		kindCounts[kind]++
		views = append(views, adviceItemView{
			NotificationID: record.NotificationID,
			GroupID:        record.GroupID,
			RoomNumber:     record.RoomNumber,
			AdviceText:     record.AdviceText,
			Kind:           kind,
		})
	}
	for kind, count := range kindCounts {
		metrics.RecordAdvice(string(kind), count)
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": views,
		"groupId":       group.GroupID,
		"groupName":     group.GroupName,
		"fallback":      false,
	})
}

// respondAdviceFallback resamples the user's existing advice when nothing new
// could be produced. Nothing is persisted.
func (a *App) respondAdviceFallback(c *gin.Context, user AuthUser) {
	ctx := c.Request.Context()
	records, err := a.randomNotifications(ctx, user.ID, adviceFallbackSample)
	if err != nil {
		a.logDBError(ctx, "random_notifications", err)
		writeError(c, http.StatusInternalServerError, "Database error")
		return
	}
	views := make([]adviceItemView, 0, len(records))
	for _, record := range records {
		views = append(views, adviceItemView{
			NotificationID: record.NotificationID,
			GroupID:        record.GroupID,
			RoomNumber:     record.RoomNumber,
			AdviceText:     record.AdviceText,
			Kind:           adviceFallback,
			IsFavorite:     record.IsFavorite,
		})
	}
	metrics.RecordAdvice(string(adviceFallback), len(views))
	c.JSON(http.StatusOK, gin.H{
		"notifications": views,
		"fallback":      true,
	})
}

func (a *App) topNotifications(c *gin.Context) {
	user, _ := authUserFromContext(c)
	ctx := c.Request.Context()

	records, err := a.recentNotifications(ctx, user.ID, topAdviceSourceLimit)
	if err != nil {
		a.logDBError(ctx, "recent_notifications", err)
		writeError(c, http.StatusInternalServerError, "Database error")
		return
	}
	if len(records) == 0 {
		c.JSON(http.StatusOK, gin.H{"topAdvice": []string{}})
		return
	}

	resp, err := a.ai.Query(ctx, AIModelRequest{
		Purpose:      aiPurposeTopAdvice,
		SystemPrompt: topAdviceSystemPrompt,
		UserPrompt:   buildTopAdvicePrompt(records),
	})
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("top advice completion failed")
		writeError(c, http.StatusInternalServerError, "Failed to rank advice")
		return
	}
	c.JSON(http.StatusOK, gin.H{"topAdvice": parseBulletLines(resp.Answer)})
}

func (a *App) deleteNotification(c *gin.Context) {
	user, _ := authUserFromContext(c)
	req, ok := bindNotificationMutation(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	affected, err := a.deleteNotifications(ctx, user.ID, req.RoomNumber, int64(req.GroupID))
	if err != nil {
		a.logDBError(ctx, "delete_notifications", err)
		writeError(c, http.StatusInternalServerError, "Database error")
		return
	}
	if affected == 0 {
		writeError(c, http.StatusNotFound, "Notification not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *App) favoriteNotification(c *gin.Context) {
	user, _ := authUserFromContext(c)
	req, ok := bindNotificationMutation(c)
	if !ok {
		return
	}
	favorite := true
	if req.Favorite != nil {
		favorite = *req.Favorite
	}

	ctx := c.Request.Context()
	affected, err := a.setNotificationFavorite(ctx, user.ID, req.RoomNumber, int64(req.GroupID), favorite)
	if err != nil {
		a.logDBError(ctx, "set_notification_favorite", err)
		writeError(c, http.StatusInternalServerError, "Database error")
		return
	}
	if affected == 0 {
		writeError(c, http.StatusNotFound, "Notification not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "favorite": favorite})
}

func bindNotificationMutation(c *gin.Context) (notificationMutationRequest, bool) {
	var req notificationMutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request payload")
		return req, false
	}
	req.RoomNumber = strings.TrimSpace(req.RoomNumber)
	if req.RoomNumber == "" || req.GroupID <= 0 {
		writeError(c, http.StatusBadRequest, "roomNumber and groupId are required")
		return req, false
	}
	return req, true
}

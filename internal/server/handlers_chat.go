package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"homesense/dashboard/internal/logging"
	"homesense/dashboard/internal/metrics"
)

const (
	chatLoginRequiredMessage = "Please log in to chat with the assistant."
	chatEmptyInputMessage    = "Please enter a question."
	chatRateLimitedMessage   = "You are asking questions too quickly. Please wait a moment and try again."
	chatDataErrorMessage     = "Sorry, I could not load your sensor data right now. Please try again later."
	chatUpstreamErrorMessage = "Sorry, something went wrong while contacting the assistant. Please try again later."
)

// askAssistant answers in-band: session and input problems come back as a
// normal response string rather than an HTTP error.
func (a *App) askAssistant(c *gin.Context) {
	user, status, err := a.sessionUser(c)
	if status == http.StatusInternalServerError {
		a.logDBError(c.Request.Context(), "load_session_user", err)
		c.JSON(http.StatusInternalServerError, gin.H{"response": chatDataErrorMessage})
		return
	}
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"response": chatLoginRequiredMessage})
		return
	}

	var req chatRequest
	_ = c.ShouldBind(&req)
	question := strings.TrimSpace(req.Input)
	if question == "" {
		c.JSON(http.StatusOK, gin.H{"response": chatEmptyInputMessage})
		return
	}
	if !a.limiter.Allow(user.ID) {
		metrics.RecordRateLimit("ask_chatgpt")
		c.JSON(http.StatusTooManyRequests, gin.H{"response": chatRateLimitedMessage})
		return
	}

	ctx := c.Request.Context()
	chatCtx, err := a.buildChatContext(ctx, user.ID, question)
	if err != nil {
		a.logDBError(ctx, "chat_context", err)
		c.JSON(http.StatusInternalServerError, gin.H{"response": chatDataErrorMessage})
		return
	}

	resp, err := a.ai.Query(ctx, AIModelRequest{
		Purpose:      aiPurposeChat,
		SystemPrompt: chatSystemPrompt,
		Conversation: a.chatHistory.Get(user.ID),
		UserPrompt:   buildChatUserPrompt(chatCtx, question),
	})
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("chat completion failed")
		c.JSON(http.StatusInternalServerError, gin.H{"response": chatUpstreamErrorMessage})
		return
	}

	answer := strings.TrimSpace(resp.Answer)
	a.chatHistory.Append(user.ID,
		ChatTurn{Role: "user", Content: question},
		ChatTurn{Role: "assistant", Content: answer},
	)
	c.JSON(http.StatusOK, gin.H{"response": answer})
}

// buildChatContext grounds the question in bucketed averages for a named
// room, or in the user's room list when no room is named or the room has no
// data.
func (a *App) buildChatContext(ctx context.Context, userID, question string) (chatContext, error) {
	if room, ok := extractRoomNumber(question); ok {
		averages, err := a.bucketedAverages(ctx, userID, room, chatBucketWidth, chatBucketLimit)
		if err != nil {
			return chatContext{}, err
		}
		if len(averages) > 0 {
			return chatContext{
				RoomNumber:  room,
				BucketHours: int(chatBucketWidth.Hours()),
				Averages:    averages,
			}, nil
		}
	}
	rooms, err := a.listRoomNumbers(ctx, userID)
	if err != nil {
		return chatContext{}, err
	}
	return chatContext{Rooms: rooms}, nil
}

// clearHistory only ever clears the caller's own transcript.
func (a *App) clearHistory(c *gin.Context) {
	user, status, err := a.sessionUser(c)
	if status == http.StatusInternalServerError {
		a.logDBError(c.Request.Context(), "load_session_user", err)
		writeError(c, status, "Database error")
		return
	}
	if err != nil {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req clearHistoryRequest
	_ = c.ShouldBind(&req)
	if target := strings.TrimSpace(req.UserID); target != "" && target != user.ID {
		writeError(c, http.StatusForbidden, "Cannot clear another user's history")
		return
	}
	a.chatHistory.Clear(user.ID)
	c.JSON(http.StatusOK, gin.H{"message": "Chat history cleared"})
}

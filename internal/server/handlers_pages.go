package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"homesense/dashboard/internal/logging"
)

func (a *App) staticPage(name, title string) gin.HandlerFunc {
	return func(c *gin.Context) {
		a.renderPage(c, http.StatusOK, name, pageData{Title: title})
	}
}

func (a *App) contactPage(c *gin.Context) {
	data := pageData{Title: "Contact"}
	if c.Query("sent") == "1" {
		data.Notice = "Thanks, your message has been sent."
	}
	a.renderPage(c, http.StatusOK, "contact", data)
}

func (a *App) submitContact(c *gin.Context) {
	var req contactRequest
	_ = c.ShouldBind(&req)
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	req.Message = strings.TrimSpace(req.Message)

	if msg := validateRequest(req); msg != "" {
		a.renderPage(c, http.StatusBadRequest, "contact", pageData{
			Title: "Contact",
			Error: msg,
			Form:  map[string]string{"name": req.Name, "email": req.Email, "message": req.Message},
		})
		return
	}

	ctx := c.Request.Context()
	if err := a.insertContactMessage(ctx, req); err != nil {
		a.logDBError(ctx, "insert_contact_message", err)
		a.renderError(c, http.StatusInternalServerError, "We could not send your message right now.")
		return
	}
	logging.Ctx(ctx).Info().Msg("contact message stored")
	c.Redirect(http.StatusSeeOther, "/contact?sent=1")
}

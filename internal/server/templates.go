package server

import (
	"embed"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

//go:embed templates/*.html
var pageFS embed.FS

var pageFuncs = template.FuncMap{
	"json": func(v any) template.JS {
		return template.JS(mustMarshalJSON(v))
	},
	"formatTime": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format("Jan 2, 2006 15:04 UTC")
	},
	"formatValue": func(v float64) string {
		return formatReadingValue(v)
	},
}

func mustParsePages() *template.Template {
	return template.Must(template.New("pages").Funcs(pageFuncs).ParseFS(pageFS, "templates/*.html"))
}

// pageData is the view-model every template receives. Data carries the
// page-specific payload.
type pageData struct {
	Title       string
	CurrentUser *AuthUser
	Error       string
	Notice      string
	Form        map[string]string
	Data        any
}

func (a *App) renderPage(c *gin.Context, status int, name string, data pageData) {
	if data.CurrentUser == nil {
		if user, ok := a.optionalUser(c); ok {
			data.CurrentUser = &user
		}
	}
	c.HTML(status, name+".html", data)
}

func (a *App) renderError(c *gin.Context, status int, message string) {
	data := pageData{
		Title: http.StatusText(status),
		Error: message,
		Data:  gin.H{"Status": status},
	}
	if user, ok := authUserFromContext(c); ok {
		data.CurrentUser = &user
	}
	c.HTML(status, "error.html", data)
	c.Abort()
}

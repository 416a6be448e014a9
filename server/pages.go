package server

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
)

//go:embed templates/*.html
var templatesFS embed.FS

var templateFuncs = template.FuncMap{
	"pathEscape": url.PathEscape,
}

// pages maps a page name to its template set. Every set shares the layout
// and defines its own "content".
var pages = map[string]*template.Template{
	"form":   parsePage("form.html"),
	"list":   parsePage("list.html"),
	"result": parsePage("result.html"),
}

func parsePage(name string) *template.Template {
	return template.Must(template.New(name).Funcs(templateFuncs).
		ParseFS(templatesFS, "templates/layout.html", "templates/"+name))
}

type formPage struct {
	Title         string
	User          string
	Token         string
	Presets       []string
	DefaultPreset string
}

type listPage struct {
	Title string
	User  string
	Token string
	Files []string
}

type resultPage struct {
	Title    string
	User     string
	Filename string
	URL      string
	Exists   bool
	LogFile  string
	Query    template.URL
}

// render executes the named page into a buffer first so template errors
// still produce a clean 500.
func (s *Server) render(w http.ResponseWriter, name string, data any) {
	var buf bytes.Buffer
	if err := pages[name].ExecuteTemplate(&buf, "layout", data); err != nil {
		s.logger.Error("Failed to render page",
			slog.String("page", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

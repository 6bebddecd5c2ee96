package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"

	"qaforum/api/internal/qa"
)

//go:embed templates/*.html
var templateFS embed.FS

var transcriptTemplate = template.Must(
	template.New("discussion.html").Funcs(template.FuncMap{
		"formatDate": func(t time.Time) string { return t.UTC().Format("Jan 2, 2006 15:04 MST") },
		// Bodies are sanitized before they are stored.
		"trusted": func(s string) template.HTML { return template.HTML(s) },
	}).ParseFS(templateFS, "templates/discussion.html"),
)

type TemplateData struct {
	Title       string
	GeneratedAt time.Time
	Questions   int
	Replies     int
	Items       []qa.Item
}

func renderTranscript(req Request) ([]byte, error) {
	data := TemplateData{
		Title:       req.Title,
		GeneratedAt: req.GeneratedAt,
		Questions:   len(req.Forest),
		Replies:     qa.Len(req.Forest) - len(req.Forest),
		Items:       req.Forest,
	}
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

package server

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/labstack/echo/v4"
)

const openAPIPath = "/api/openapi.yaml"

var docsPage = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>Reasoner API</title>
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <style>body{margin:0;padding:0;font-family:sans-serif;} header{padding:12px 24px;border-bottom:1px solid #ddd;} #redoc{height:100vh;}</style>
  </head>
  <body>
    <header>
      <h1>Reasoner API</h1>
      <p>Start a conversation with POST /api/conversations, then follow it on /api/conversations/{conv_id}/stream.</p>
      {{- if .Agents}}
      <p>Agents: {{range $i, $a := .Agents}}{{if $i}}, {{end}}<code>{{$a}}</code>{{end}}</p>
      {{- end}}
    </header>
    <div id="redoc"></div>
    <script src="https://cdn.jsdelivr.net/npm/redoc/bundles/redoc.standalone.js"></script>
    <script>Redoc.init({{.SpecURL}}, {}, document.getElementById('redoc'))</script>
  </body>
</html>`))

// registerDocs serves the OpenAPI document and a ReDoc page listing the team's agents.
func registerDocs(e *echo.Echo, agents func() []string) {
	e.File(openAPIPath, "docs/openapi.yaml")

	e.GET("/api/docs", func(c echo.Context) error {
		data := struct {
			Agents  []string
			SpecURL string
		}{SpecURL: openAPIPath}
		if agents != nil {
			data.Agents = agents()
		}
		var buf bytes.Buffer
		if err := docsPage.Execute(&buf, data); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "render docs: "+err.Error())
		}
		return c.HTMLBlob(http.StatusOK, buf.Bytes())
	})
}

package api

import (
	"html/template"

	"cinder/pkg/domain"
)

type pageData struct {
	Title     string
	ID        string
	Extension string
	Burn      bool
	Markup    template.HTML
}

// trustedMarkup marks renderer output as safe. Renderers escape or
// sanitize everything they emit.
func trustedMarkup(s string) template.HTML {
	return template.HTML(s)
}

var pageTmpl = template.Must(template.New("paste").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="robots" content="noindex">
<title>{{.ID}} - {{.Title}}</title>
<style>body{font-family:monospace;margin:2em}pre{white-space:pre-wrap;word-break:break-all}.burn{color:#b00}</style>
</head>
<body>
<header><a href="/">{{.Title}}</a>{{if .Extension}} <small>{{.Extension}}</small>{{end}}</header>
{{if .Burn}}<p class="burn">This paste has been destroyed. Copy it now; it cannot be opened again.</p>{{end}}
<main>{{.Markup}}</main>
</body>
</html>
`))

type indexData struct {
	Title   string
	MaxSize int64
	Expires []expiryOption
}

type expiryOption struct {
	Value string
	Label string
}

var expiryOptions = []expiryOption{
	{"", "never"},
	{domain.BurnSentinel, "burn after reading"},
	{"600", "10 minutes"},
	{"3600", "1 hour"},
	{"86400", "1 day"},
	{"604800", "1 week"},
}

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>body{font-family:monospace;margin:2em}textarea{width:100%;height:60vh}</style>
</head>
<body>
<header>{{.Title}}</header>
<form method="post" action="/" enctype="multipart/form-data">
<textarea name="text" required maxlength="{{.MaxSize}}"></textarea>
<p>
<label>extension <input name="extension" size="8" maxlength="16" placeholder="txt"></label>
<label>expires <select name="expires">{{range .Expires}}<option value="{{.Value}}">{{.Label}}</option>{{end}}</select></label>
<label>password <input name="password" type="password" autocomplete="new-password"></label>
<button type="submit">paste</button>
</p>
</form>
</body>
</html>
`))

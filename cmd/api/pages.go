package main

import (
	"embed"
	"html/template"
	"io/fs"
)

//go:embed web/*.html web/static
var webFS embed.FS

var pages = template.Must(template.ParseFS(webFS, "web/*.html"))

var staticFS = mustSub(webFS, "web/static")

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}

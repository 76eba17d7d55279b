package panel

import (
	"embed"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
)

//go:embed web/*
var embedded embed.FS

const indexPage = "index.html"

// Assets returns the panel files: dir when it names an existing
// directory, the embedded copy otherwise.
func Assets(dir string) fs.FS {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return os.DirFS(dir)
		}
	}
	web, err := fs.Sub(embedded, "web")
	if err != nil {
		panic("panel: embedded assets missing: " + err.Error())
	}
	return web
}

// Handler serves Assets(dir). Paths without a file extension that do not
// exist get index.html; missing files with an extension are 404s.
func Handler(dir string) http.Handler {
	assets := Assets(dir)
	files := http.FileServerFS(assets)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, must-revalidate")

		name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		if name == "" {
			r.URL.Path = "/"
			files.ServeHTTP(w, r)
			return
		}
		if _, err := fs.Stat(assets, name); err == nil {
			files.ServeHTTP(w, r)
			return
		}
		if path.Ext(name) != "" {
			http.NotFound(w, r)
			return
		}
		http.ServeFileFS(w, r, assets, indexPage)
	})
}

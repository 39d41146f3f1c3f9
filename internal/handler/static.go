package handler

import (
	"net/http"
	"path"
	"path/filepath"
)

// staticHandler serves the UI bundle. Paths that do not name a file fall back
// to index.html so client-side routes such as /admin work on reload.
func staticHandler(dir string) http.Handler {
	root := http.Dir(dir)
	fileServer := http.FileServer(root)
	index := filepath.Join(dir, "index.html")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Clean("/" + r.URL.Path)
		if f, err := root.Open(name); err == nil {
			stat, statErr := f.Stat()
			f.Close()
			if statErr == nil && (!stat.IsDir() || name == "/") {
				fileServer.ServeHTTP(w, r)
				return
			}
		}
		http.ServeFile(w, r, index)
	})
}

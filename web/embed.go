// Package web embeds the capture page (dist/) and serves it as a
// single-page application.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
)

//go:embed all:dist
var distFS embed.FS

const (
	indexPage    = "index.html"
	assetMaxAge  = "public, max-age=3600"
	indexNoCache = "no-cache"
)

// SPAHandler returns the embedded capture page. Paths that do not name an
// embedded file are answered with index.html.
func SPAHandler() http.Handler {
	dist, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}
	return &spa{root: dist}
}

type spa struct {
	root fs.FS
}

func (s *spa) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	name := s.resolve(r.URL.Path)
	if name == indexPage {
		w.Header().Set("Cache-Control", indexNoCache)
	} else {
		w.Header().Set("Cache-Control", assetMaxAge)
	}
	http.ServeFileFS(w, r, s.root, name)
}

// resolve maps a request path to an embedded file, falling back to the index
// for client-side routes and directories.
func (s *spa) resolve(urlPath string) string {
	name := path.Clean("/" + urlPath)[1:]
	if name == "" {
		return indexPage
	}
	info, err := fs.Stat(s.root, name)
	if err != nil || info.IsDir() {
		return indexPage
	}
	return name
}

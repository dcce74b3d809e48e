package audio

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed web
var webAssets embed.FS

// Handler serves the capture page at / and the bridge websocket at /capture.
func (b *BridgeCapture) Handler() http.Handler {
	assets, err := fs.Sub(webAssets, "web")
	if err != nil {
		panic(err)
	}
	mux := http.NewServeMux()
	mux.Handle("/capture", b)
	mux.Handle("/bridge.js", http.FileServer(http.FS(assets)))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.ServeFileFS(w, r, assets, "capture.html")
	})
	return mux
}

package panel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/url"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/readtheroom/flagstore"
	"github.com/hazyhaar/readtheroom/kit"
	"github.com/hazyhaar/readtheroom/shield"
)

var overviewTmpl = template.Must(template.New("overview").Parse(`<div class="rtr-panel" data-state="{{.State}}">
<h1>ReadTheRoom</h1>
<h2>Flagged</h2>
<ul>{{range .Flagged}}<li data-post-id="{{.}}">{{.}}</li>{{else}}<li>Nothing flagged</li>{{end}}</ul>
<h2>Archive</h2>
<ul>{{range .Archive}}<li data-post-id="{{.}}">{{.}}</li>{{else}}<li>Empty</li>{{end}}</ul>
<h2>Queue</h2>
<ul>{{range .Queue}}<li>{{.}}</li>{{else}}<li>Empty</li>{{end}}</ul>
{{if .Unsynced}}<p class="rtr-unsynced">Not saved: {{range $i, $id := .Unsynced}}{{if $i}}, {{end}}{{$id}}{{end}}</p>{{end}}
</div>`))

const pageShell = `<!doctype html>
<html><head><meta charset="utf-8"><title>ReadTheRoom</title></head>
<body>%s</body></html>`

func sanitizer() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").Globally()
	p.AllowDataAttributes()
	return p
}

// Handler returns the panel's HTTP API.
func (c *Controller) Handler() http.Handler {
	policy := sanitizer()
	md := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)

	r := chi.NewRouter()
	for _, mw := range shield.PanelStack(c.logger) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})

	r.Get("/panel", func(w http.ResponseWriter, r *http.Request) {
		frag, err := c.renderFragment(policy)
		if err != nil {
			c.httpError(w, r, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, pageShell, frag)
	})

	r.Get("/panel.md", func(w http.ResponseWriter, r *http.Request) {
		frag, err := c.renderFragment(policy)
		if err != nil {
			c.httpError(w, r, http.StatusInternalServerError, err)
			return
		}
		out, err := md.ConvertString(frag)
		if err != nil {
			c.httpError(w, r, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Write([]byte(out))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/panel", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, c.Overview())
		})
		r.Post("/panel/open", func(w http.ResponseWriter, _ *http.Request) {
			c.Open()
			writeJSON(w, http.StatusOK, c.Overview())
		})
		r.Post("/panel/close", func(w http.ResponseWriter, _ *http.Request) {
			c.Close()
			writeJSON(w, http.StatusOK, c.Overview())
		})
		r.Post("/posts/{postID}/toggle", c.handleToggle)
		r.Get("/posts/{postID}/history", c.handlePostHistory)
		r.Get("/history", c.handleRecent)
		r.Get("/panel/ws", c.serveStream)
	})
	return r
}

type toggleResponse struct {
	PostID   string `json:"postId"`
	Flagged  bool   `json:"flagged"`
	Unsynced bool   `json:"unsynced,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (c *Controller) handleToggle(w http.ResponseWriter, r *http.Request) {
	postID, err := postIDParam(r)
	if err != nil {
		c.httpError(w, r, http.StatusBadRequest, err)
		return
	}
	ctx := kit.WithTransport(r.Context(), "http")
	flagged, err := c.Toggle(ctx, postID)
	if err != nil {
		status := http.StatusInternalServerError
		if flagstore.IsPersistError(err) {
			status = http.StatusServiceUnavailable
		}
		shield.GetLogger(r.Context()).Error("panel: toggle failed", "post_id", postID, "error", err)
		writeJSON(w, status, toggleResponse{PostID: postID, Flagged: flagged, Unsynced: true, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toggleResponse{PostID: postID, Flagged: flagged})
}

// postIDParam returns the decoded {postID} segment. chi matches on the raw
// path when it has escapes, so "post%3A42" can arrive still encoded.
func postIDParam(r *http.Request) (string, error) {
	id, err := url.PathUnescape(chi.URLParam(r, "postID"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPostID, err)
	}
	if err := checkPostID(id); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Controller) renderFragment(policy *bluemonday.Policy) (string, error) {
	var buf bytes.Buffer
	if err := overviewTmpl.Execute(&buf, c.Overview()); err != nil {
		return "", err
	}
	return policy.Sanitize(buf.String()), nil
}

func (c *Controller) httpError(w http.ResponseWriter, r *http.Request, status int, err error) {
	shield.GetLogger(r.Context()).Warn("panel: request failed", "status", status, "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

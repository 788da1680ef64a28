package panel

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/hazyhaar/readtheroom/auditlog"
)

// History is the read side of the moderation log.
type History interface {
	Recent(ctx context.Context, limit int) ([]auditlog.Entry, error)
	ForPost(ctx context.Context, postID string) ([]auditlog.Entry, error)
}

// ErrNoHistory is returned by history lookups on a panel built without
// WithHistory.
var ErrNoHistory = errors.New("panel: no moderation history configured")

// WithHistory lets the panel show past transitions.
func WithHistory(h History) Option {
	return func(c *Controller) { c.history = h }
}

const maxHistory = 500

// Recent returns the latest logged transitions, newest first.
func (c *Controller) Recent(ctx context.Context, limit int) ([]auditlog.Entry, error) {
	if c.history == nil {
		return nil, ErrNoHistory
	}
	limit = min(limit, maxHistory)
	out, err := c.history.Recent(ctx, limit)
	return nonNilEntries(out), err
}

// PostHistory returns the transitions logged for postID, oldest first.
func (c *Controller) PostHistory(ctx context.Context, postID string) ([]auditlog.Entry, error) {
	if c.history == nil {
		return nil, ErrNoHistory
	}
	if err := checkPostID(postID); err != nil {
		return nil, err
	}
	out, err := c.history.ForPost(ctx, postID)
	return nonNilEntries(out), err
}

func (c *Controller) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.httpError(w, r, http.StatusBadRequest, errors.New("panel: limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	entries, err := c.Recent(r.Context(), limit)
	if err != nil {
		c.httpError(w, r, historyStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (c *Controller) handlePostHistory(w http.ResponseWriter, r *http.Request) {
	postID, err := postIDParam(r)
	if err != nil {
		c.httpError(w, r, http.StatusBadRequest, err)
		return
	}
	entries, err := c.PostHistory(r.Context(), postID)
	if err != nil {
		c.httpError(w, r, historyStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func historyStatus(err error) int {
	switch {
	case errors.Is(err, ErrNoHistory):
		return http.StatusNotFound
	case errors.Is(err, ErrBadPostID):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func nonNilEntries(e []auditlog.Entry) []auditlog.Entry {
	if e == nil {
		return []auditlog.Entry{}
	}
	return e
}

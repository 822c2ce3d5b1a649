package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/starford/nextserve/internal/apperr"
	"github.com/starford/nextserve/internal/resolve"
)

const failSafeBody = "Internal Server Error"

// builtinPages are served when no render worker provides an error page.
var builtinPages = map[int]string{
	http.StatusBadRequest:          "400: Bad Request",
	http.StatusNotFound:            "404: This page could not be found.",
	http.StatusMethodNotAllowed:    "405: Method Not Allowed",
	http.StatusPreconditionFailed:  "412: Precondition Failed",
	http.StatusInternalServerError: "500: Internal Server Error",

	http.StatusRequestedRangeNotSatisfiable: "416: Range Not Satisfiable",
}

// renderError writes the error page for status. The worker is asked for
// /<status> first and /_error second.
func (s *Server) renderError(w *trackedWriter, r *http.Request, d *resolve.Decision, status int, cause error) error {
	if w.started() {
		s.logger.Warn("dispatch: response already started, dropping error page",
			slog.String("path", r.URL.Path), slog.Int("status", status))
		return nil
	}
	if status >= http.StatusInternalServerError && cause != nil {
		s.logger.Error("dispatch: request failed",
			slog.String("path", r.URL.Path), slog.String("error", cause.Error()))
	}

	if s.opts.Loader != nil {
		for _, page := range []string{fmt.Sprintf("/%d", status), "/_error"} {
			ok, err := s.tryErrorPage(w, r, d, page, status, cause)
			if ok {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}

	body, ok := builtinPages[status]
	if !ok {
		body = fmt.Sprintf("%d: %s", status, http.StatusText(status))
	}
	writeText(w, status, body)
	return nil
}

// tryErrorPage reports whether page answered the request. A missing page
// is not an error.
func (s *Server) tryErrorPage(w *trackedWriter, r *http.Request, d *resolve.Decision, page string, status int, cause error) (bool, error) {
	res, err := s.render(w, r, d, nil, page, status, cause)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return false, nil
	case err != nil:
		if w.started() {
			return true, nil
		}
		return false, err
	case res.Retry:
		return false, nil
	}
	return true, nil
}

// fail handles an error that escaped the attempt loop.
func (s *Server) fail(w *trackedWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var de *apperr.DecodeError
	if errors.As(err, &de) {
		status = http.StatusBadRequest
	} else {
		s.logger.Error("dispatch: failed to handle request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	if w.started() {
		return
	}

	if perr := s.renderError(w, r, nil, status, nil); perr != nil {
		s.logger.Error("dispatch: failed to render error page",
			slog.Int("status", status), slog.String("error", perr.Error()))
		if !w.started() {
			writeText(w, http.StatusInternalServerError, failSafeBody)
		}
	}
}

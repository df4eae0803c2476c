package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mmb-raid/sportiduino/distance"
	"github.com/mmb-raid/sportiduino/models"
	"github.com/mmb-raid/sportiduino/session"
	"github.com/mmb-raid/sportiduino/station"
	"github.com/mmb-raid/sportiduino/store"
	"github.com/mmb-raid/sportiduino/task"
)

// Users looks up operator accounts.
type Users interface {
	UserByName(ctx context.Context, username string) (models.User, error)
}

// Handler holds shared dependencies used by all route handlers.
type Handler struct {
	session   *session.Session
	tasks     *task.Runner
	users     Users
	initPoint string
	now       func() time.Time

	JWTKey []byte
}

// New creates a Handler over the session. initPoint names point 0 of
// uploaded distances.
func New(s *session.Session, tasks *task.Runner, users Users, jwtKey []byte, initPoint string) *Handler {
	return &Handler{
		session:   s,
		tasks:     tasks,
		users:     users,
		initPoint: initPoint,
		now:       time.Now,
		JWTKey:    jwtKey,
	}
}

// await runs a station operation in the background and waits for it while
// the request lives. The operation itself is not cut short if the client
// goes away.
func await[T any](c echo.Context, h *Handler, name string, op func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ctx := c.Request().Context()
	ch := make(chan result, 1)
	task.Run(h.tasks, ctx, name, op, func(v T, err error) {
		ch <- result{v, err}
	})

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// httpError maps domain errors to HTTP status codes.
func httpError(err error) error {
	var (
		terr *station.TransportError
		perr *store.PersistenceError
		verr *distance.ValidationError
	)
	switch {
	case errors.As(err, &terr):
		return echo.NewHTTPError(http.StatusBadGateway, terr.Error())
	case errors.As(err, &perr):
		return echo.NewHTTPError(http.StatusInternalServerError, perr.Error())
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, verr.Error())
	case errors.Is(err, session.ErrBlankChip):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, distance.ErrReloadRefused):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrNoStation):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

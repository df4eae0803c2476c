package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mmb-raid/sportiduino/chips"
	"github.com/mmb-raid/sportiduino/station"
)

type stationData struct {
	Connected bool   `json:"connected"`
	MAC       string `json:"mac,omitempty"`
	Number    int    `json:"number"`
	Mode      int    `json:"mode"`
	Clock     int64  `json:"clock"`
	Drift     int64  `json:"drift"`
}

type readResponse struct {
	Card   station.Card      `json:"card"`
	Events []chips.ChipEvent `json:"events"`
}

type initRequest struct {
	TeamNumber int `json:"teamNumber"`
	TeamMask   int `json:"teamMask"`
}

// Station reports the connected station and refreshes its clock.
func (h *Handler) Station(c echo.Context) error {
	st := h.session.Station()
	if st == nil {
		return c.JSON(http.StatusOK, stationData{})
	}

	_, err := await(c, h, "station status", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, st.Refresh(ctx)
	})
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, stationData{
		Connected: true,
		MAC:       fmt.Sprintf("%012X", st.MAC()),
		Number:    st.Number(),
		Mode:      st.Mode(),
		Clock:     st.Clock(),
		Drift:     st.Drift(),
	})
}

// ReadChip reads the chip on the station and records its marks.
func (h *Handler) ReadChip(c echo.Context) error {
	events, err := await(c, h, "read chip", h.session.ReadChip)
	if err != nil {
		return httpError(err)
	}

	var card station.Card
	if st := h.session.Station(); st != nil {
		card = st.LastCard()
	}
	return c.JSON(http.StatusOK, readResponse{Card: card, Events: events})
}

// InitChip writes a team to a fresh chip. Missing fields fall back to the
// team used for the previous chip.
func (h *Handler) InitChip(c echo.Context) error {
	var req initRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	number, mask := h.session.ChipInitTeam()
	if req.TeamNumber == 0 {
		req.TeamNumber = number
	}
	if req.TeamMask == 0 {
		req.TeamMask = mask
	}
	if req.TeamNumber <= 0 || chips.MembersCount(req.TeamMask) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "teamNumber and teamMask are required")
	}

	event, err := await(c, h, "init chip", func(ctx context.Context) (chips.ChipEvent, error) {
		return h.session.InitChip(ctx, req.TeamNumber, req.TeamMask)
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, event)
}

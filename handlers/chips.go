package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mmb-raid/sportiduino/chips"
)

const visitTimeLayout = "02.01  15:04:05"

type chipsSummary struct {
	Size    int              `json:"size"`
	Unsaved int              `json:"unsaved"`
	Last    *chips.ChipEvent `json:"last,omitempty"`
}

type teamVisit struct {
	TeamNumber int    `json:"teamNumber"`
	Members    int    `json:"members"`
	Time       int64  `json:"time"`
	TimeText   string `json:"timeText"`
}

// Chips returns the size of the ledger and the latest event.
func (h *Handler) Chips(c echo.Context) error {
	ledger := h.session.Chips()
	res := chipsSummary{Size: ledger.Size(), Unsaved: ledger.Unsaved()}
	if last, ok := ledger.At(0); ok {
		res.Last = &last
	}
	return c.JSON(http.StatusOK, res)
}

// SaveChips writes unsaved chip events to the store.
func (h *Handler) SaveChips(c echo.Context) error {
	n, err := h.session.Save(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{
		"saved":   n,
		"unsaved": h.session.Chips().Unsaved(),
	})
}

// Visits lists the last visit of every team at a point, latest first.
func (h *Handler) Visits(c echo.Context) error {
	point, err := strconv.Atoi(c.QueryParam("point"))
	if err != nil || point < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid point")
	}

	visits := h.session.Chips().LastTeamVisits(point)
	result := make([]teamVisit, visits.Size())
	for i := range result {
		t := visits.TeamTime(i)
		result[i] = teamVisit{
			TeamNumber: visits.TeamNumber(i),
			Members:    chips.MembersCount(visits.TeamMask(i)),
			Time:       t,
			TimeText:   chips.PrintTime(t, visitTimeLayout),
		}
	}
	return c.JSON(http.StatusOK, result)
}

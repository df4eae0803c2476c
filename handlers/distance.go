package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mmb-raid/sportiduino/distance"
)

type distanceData struct {
	Raid          distance.Raid            `json:"raid"`
	DownloadDate  string                   `json:"downloadDate"`
	MaxPoint      int                      `json:"maxPoint"`
	PointNames    []string                 `json:"pointNames"`
	Points        []distance.NumberedPoint `json:"points"`
	Discounts     []distance.Discount      `json:"discounts"`
	CanBeReloaded bool                     `json:"canBeReloaded"`
}

type distanceRequest struct {
	Raid      distance.Raid            `json:"raid"`
	MaxPoint  int                      `json:"maxPoint"`
	Points    []distance.NumberedPoint `json:"points"`
	Discounts []distance.Discount      `json:"discounts"`
}

// GetDistance returns the active distance.
func (h *Handler) GetDistance(c echo.Context) error {
	d := h.session.Distance()
	if d == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no distance loaded")
	}
	return c.JSON(http.StatusOK, distanceData{
		Raid:          d.Raid(),
		DownloadDate:  d.DownloadDate(),
		MaxPoint:      d.MaxPoint(),
		PointNames:    d.PointNames(),
		Points:        d.Points(),
		Discounts:     d.Discounts(),
		CanBeReloaded: d.CanBeReloaded(h.now()),
	})
}

// PutDistance replaces the active distance with an uploaded one. The raid
// website account of the session is stored with it.
func (h *Handler) PutDistance(c echo.Context) error {
	var req distanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	now := h.now()
	auth := h.session.Auth()
	raid := req.Raid
	raid.UserEmail = auth.Email
	raid.UserPassword = auth.Password
	raid.TestSite = auth.TestSite
	if raid.TimeDownloaded == 0 {
		raid.TimeDownloaded = now.Unix()
	}

	d := distance.New(raid)
	d.InitPoints(req.MaxPoint, h.initPoint)
	for _, p := range req.Points {
		if !d.AddPoint(p.Number, p.Point) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, "point rejected: number out of range or repeated")
		}
	}
	d.InitDiscounts(len(req.Discounts))
	for _, disc := range req.Discounts {
		d.AddDiscount(disc)
	}

	if err := h.session.ReplaceDistance(c.Request().Context(), d, now); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"raidID":   raid.ID,
		"maxPoint": d.MaxPoint(),
	})
}

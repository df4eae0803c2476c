package main

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmb-raid/sportiduino/distance"
)

func at(s string) sql.NullTime {
	t, err := time.Parse("2006-01-02 15:04", s)
	if err != nil {
		panic(err)
	}
	return sql.NullTime{Time: t, Valid: true}
}

func TestBuildDistance(t *testing.T) {
	raid := raidRow{ID: 34, Name: "MMB 2024 autumn", Readonly: at("2024-10-04 18:00"), Finish: at("2024-10-06 18:00")}
	points := []pointRow{
		{Order: 1, Type: 1, Name: "Start"},
		{Order: 2, Type: 3, Penalty: 60, Min: at("2024-10-05 08:00"), Max: at("2024-10-05 20:00"), Name: "KP2"},
		{Order: 3, Type: 4, Penalty: 30, Name: "KP3"},
		{Order: 4, Type: 2, Name: "Finish"},
	}
	discounts := []discountRow{{Minutes: 45, From: 2, To: 3}}

	header := raid.header(time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC))
	d, err := buildDistance(header, points, discounts, "Chip init")
	require.NoError(t, err)
	require.NoError(t, d.Validate())

	assert.Equal(t, 4, d.MaxPoint())
	assert.Equal(t, distance.PointMandatory, d.PointType(2))
	assert.Equal(t, at("2024-10-05 08:00").Time.Unix(), d.Points()[1].Start)
	assert.Equal(t, []distance.Discount{{Minutes: 45, From: 2, To: 3}}, d.Discounts())
	assert.Equal(t, []string{"Chip init", "Start", "KP2", "KP3", "Finish"}, d.PointNames())
}

func TestBuildDistanceRejectsRepeatedPoint(t *testing.T) {
	points := []pointRow{
		{Order: 1, Type: 1, Name: "Start"},
		{Order: 1, Type: 2, Name: "Finish"},
	}
	_, err := buildDistance(distance.Raid{ID: 1}, points, nil, "Chip init")
	assert.Error(t, err)
}

func TestHeaderWithoutDates(t *testing.T) {
	h := raidRow{ID: 2, Name: "test"}.header(time.Unix(1000, 0))
	assert.Zero(t, h.TimeReadonly)
	assert.Zero(t, h.TimeFinish)
	assert.Equal(t, int64(1000), h.TimeDownloaded)
	assert.True(t, distance.CanBeReloaded(time.Unix(5000, 0), h.TimeReadonly, h.TimeFinish))
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mmb-raid/sportiduino/distance"
	"github.com/mmb-raid/sportiduino/models"
)

// The raid website keeps distances in these tables:
//
//	Raids               raid_id, raid_name, raid_readonlydate, raid_closedate
//	LevelPoints         raid_id, levelpoint_order, pointtype_id, levelpoint_penalty,
//	                    levelpoint_mindatetime, levelpoint_maxdatetime, levelpoint_name
//	LevelPointDiscounts raid_id, levelpointdiscount_value,
//	                    levelpointdiscount_start, levelpointdiscount_finish
//
// DATETIME columns are read with parseTime=true in the DSN.

type raidRow struct {
	ID       int
	Name     string
	Readonly sql.NullTime
	Finish   sql.NullTime
}

type pointRow struct {
	Order   int
	Type    int
	Penalty int
	Min     sql.NullTime
	Max     sql.NullTime
	Name    string
}

type discountRow struct {
	Minutes int
	From    int
	To      int
}

func unix(t sql.NullTime) int64 {
	if !t.Valid {
		return 0
	}
	return t.Time.Unix()
}

func queryRaid(ctx context.Context, myDB *sql.DB, raidID int) (raidRow, []pointRow, []discountRow, error) {
	var raid raidRow
	err := myDB.QueryRowContext(ctx,
		`SELECT raid_id, raid_name, raid_readonlydate, raid_closedate
		 FROM Raids WHERE raid_id = ?`, raidID).
		Scan(&raid.ID, &raid.Name, &raid.Readonly, &raid.Finish)
	if errors.Is(err, sql.ErrNoRows) {
		return raid, nil, nil, fmt.Errorf("raid %d not found", raidID)
	}
	if err != nil {
		return raid, nil, nil, err
	}

	rows, err := myDB.QueryContext(ctx,
		`SELECT levelpoint_order, pointtype_id, levelpoint_penalty,
		        levelpoint_mindatetime, levelpoint_maxdatetime, levelpoint_name
		 FROM LevelPoints WHERE raid_id = ? ORDER BY levelpoint_order`, raidID)
	if err != nil {
		return raid, nil, nil, err
	}
	defer rows.Close()

	var points []pointRow
	for rows.Next() {
		var p pointRow
		if err := rows.Scan(&p.Order, &p.Type, &p.Penalty, &p.Min, &p.Max, &p.Name); err != nil {
			return raid, nil, nil, err
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return raid, nil, nil, err
	}

	drows, err := myDB.QueryContext(ctx,
		`SELECT levelpointdiscount_value, levelpointdiscount_start, levelpointdiscount_finish
		 FROM LevelPointDiscounts WHERE raid_id = ?`, raidID)
	if err != nil {
		return raid, nil, nil, err
	}
	defer drows.Close()

	var discounts []discountRow
	for drows.Next() {
		var d discountRow
		if err := drows.Scan(&d.Minutes, &d.From, &d.To); err != nil {
			return raid, nil, nil, err
		}
		discounts = append(discounts, d)
	}
	return raid, points, discounts, drows.Err()
}

// header returns the distance header downloaded at now.
func (r raidRow) header(now time.Time) distance.Raid {
	return distance.Raid{
		ID:             r.ID,
		Name:           r.Name,
		TimeDownloaded: now.Unix(),
		TimeReadonly:   unix(r.Readonly),
		TimeFinish:     unix(r.Finish),
	}
}

// buildDistance assembles a distance from website rows. The caller validates it.
func buildDistance(header distance.Raid, points []pointRow, discounts []discountRow, initPoint string) (*distance.Distance, error) {
	maxPoint := 0
	for _, p := range points {
		if p.Order > maxPoint {
			maxPoint = p.Order
		}
	}

	d := distance.New(header)
	d.InitPoints(maxPoint, initPoint)
	for _, p := range points {
		ok := d.AddPoint(p.Order, distance.Point{
			Type:    distance.PointType(p.Type),
			Penalty: p.Penalty,
			Start:   unix(p.Min),
			End:     unix(p.Max),
			Name:    p.Name,
		})
		if !ok {
			return nil, fmt.Errorf("point %d (%s) rejected", p.Order, p.Name)
		}
	}
	d.InitDiscounts(len(discounts))
	for _, disc := range discounts {
		d.AddDiscount(distance.Discount{Minutes: disc.Minutes, From: disc.From, To: disc.To})
	}
	return d, nil
}

// queryUsers reads operator accounts with bcrypt password hashes.
func queryUsers(ctx context.Context, myDB *sql.DB) ([]models.User, error) {
	rows, err := myDB.QueryContext(ctx, "SELECT username, password FROM users")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.Username, &u.Password); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

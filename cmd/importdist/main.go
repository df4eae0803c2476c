// cmd/importdist/main.go
// Downloads a raid distance, or operator accounts, from the raid website
// MySQL database into the configured store.
//
// Usage:
//
//	MYSQL_DSN="user:pass@tcp(host:3306)/mmb?parseTime=true" \
//	go run ./cmd/importdist distance -raid 34 -email judge@example.org
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/mmb-raid/sportiduino/config"
	"github.com/mmb-raid/sportiduino/distance"
	"github.com/mmb-raid/sportiduino/store"
)

func openMySQL(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if cfg.MySQLDSN == "" {
		return nil, errors.New("MYSQL_DSN required, e.g.: user:pass@tcp(host:3306)/mmb?parseTime=true")
	}
	myDB, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	myDB.SetMaxOpenConns(2)
	if err := myDB.PingContext(ctx); err != nil {
		_ = myDB.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return myDB, nil
}

func importDistance(c *cli.Context) error {
	ctx := c.Context
	cfg := config.Load()

	myDB, err := openMySQL(ctx, cfg)
	if err != nil {
		return err
	}
	defer myDB.Close()

	raid, points, discounts, err := queryRaid(ctx, myDB, c.Int("raid"))
	if err != nil {
		return fmt.Errorf("read raid %d: %w", c.Int("raid"), err)
	}
	now := time.Now()
	header := raid.header(now)
	// Keep the website account with the distance, as the service does.
	header.UserEmail = c.String("email")
	header.UserPassword = c.String("password")
	header.TestSite = c.Int("test-site")

	d, err := buildDistance(header, points, discounts, cfg.InitChipsPoint)
	if err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return err
	}
	log.Printf("raid %d %q: %d points, %d discounts", raid.ID, raid.Name, d.MaxPoint(), len(d.Discounts()))
	if c.Bool("dry-run") {
		return nil
	}

	gw, err := store.Open(ctx, cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer gw.Close()

	cur, err := gw.LoadDistance(ctx)
	switch {
	case errors.Is(err, store.ErrNoDistance):
	case err != nil:
		return err
	case !cur.CanBeReloaded(now):
		return distance.ErrReloadRefused
	}

	if err := gw.SaveDistance(ctx, d); err != nil {
		return err
	}
	log.Printf("distance saved, downloaded %s", d.DownloadDate())
	return nil
}

func importUsers(c *cli.Context) error {
	ctx := c.Context
	cfg := config.Load()

	myDB, err := openMySQL(ctx, cfg)
	if err != nil {
		return err
	}
	defer myDB.Close()

	users, err := queryUsers(ctx, myDB)
	if err != nil {
		return fmt.Errorf("read users: %w", err)
	}

	gw, err := store.Open(ctx, cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer gw.Close()

	for _, u := range users {
		if err := gw.SaveUser(ctx, u); err != nil {
			return err
		}
	}
	log.Printf("%d users imported", len(users))
	return nil
}

func main() {
	app := &cli.App{
		Name:  "importdist",
		Usage: "import data from the raid website database",
		Commands: []*cli.Command{
			{
				Name:  "distance",
				Usage: "download a raid distance into the store",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:     "raid",
						Usage:    "raid id on the website",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "email",
						Usage: "website account stored with the distance",
					},
					&cli.StringFlag{
						Name:    "password",
						Usage:   "website account password",
						EnvVars: []string{"SITE_PASSWORD"},
					},
					&cli.IntFlag{
						Name:  "test-site",
						Usage: "1 when the distance comes from the test site",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "validate without saving",
					},
				},
				Action: importDistance,
			},
			{
				Name:   "users",
				Usage:  "copy operator accounts into the store",
				Action: importUsers,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// cmd/adduser/main.go
// Creates or updates an operator account in the configured store.
//
// Usage:
//
//	go run ./cmd/adduser -username judge -password testing
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"go.uber.org/zap"

	"github.com/mmb-raid/sportiduino/config"
	"github.com/mmb-raid/sportiduino/handlers"
	"github.com/mmb-raid/sportiduino/models"
	"github.com/mmb-raid/sportiduino/store"
)

func main() {
	username := flag.String("username", "", "username (required)")
	password := flag.String("password", "", "plain-text password (required)")
	flag.Parse()

	hash, err := handlers.HashPasswordForUser(*username, *password)
	if err != nil {
		log.Fatal("adduser: ", err)
	}

	ctx := context.Background()
	cfg := config.Load()
	gw, err := store.Open(ctx, cfg, zap.NewNop())
	if err != nil {
		log.Fatal("open store: ", err)
	}
	defer gw.Close()

	user := models.User{
		Username: *username,
		Password: hash,
	}
	if err := gw.SaveUser(ctx, user); err != nil {
		log.Fatal("save user: ", err)
	}

	fmt.Printf("user %q saved\n", store.NormalizeUsername(*username))
}

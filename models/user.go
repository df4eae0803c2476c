package models

import "github.com/uptrace/bun"

// User is an operator account with a bcrypt-hashed password.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID       int    `bun:"id,pk,autoincrement" json:"id" msgpack:"id"`
	Username string `bun:"username,notnull,unique" json:"username" msgpack:"username"`
	Password string `bun:"password,notnull" json:"-" msgpack:"password"`
}

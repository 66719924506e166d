// The seed binary inserts a development user for local testing. Idempotent:
// it exits cleanly when the dev user already exists. Statuses are seeded by
// the migrations, not here.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/config"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/db"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/security"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/status"
)

const (
	devUserEmail = "dev@widenaturals.local"
	devPassword  = "dev-password-123!"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	var existing uuid.UUID
	err = pool.QueryRow(ctx, `SELECT id FROM users WHERE LOWER(email) = LOWER($1)`, devUserEmail).Scan(&existing)
	if err == nil {
		log.Printf("Seed already applied (%s exists). Skipping.", devUserEmail)
		os.Exit(0)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		log.Fatalf("seed check: %v", err)
	}

	statuses, err := status.Load(ctx, pool)
	if err != nil {
		log.Fatalf("load statuses (are migrations applied?): %v", err)
	}

	hasher, err := security.NewArgon2Hasher(security.DefaultHasherParams())
	if err != nil {
		log.Fatalf("hasher: %v", err)
	}
	passwordHash, err := hasher.Hash(devPassword)
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}

	// Role ids are owned by the RBAC subsystem; the dev seed uses a
	// placeholder.
	var userID uuid.UUID
	err = pool.QueryRow(ctx,
		`INSERT INTO users (email, role_id, status_id) VALUES ($1, $2, $3) RETURNING id`,
		devUserEmail, uuid.New(), statuses.ActiveID(),
	).Scan(&userID)
	if err != nil {
		log.Fatalf("create dev user: %v", err)
	}

	if _, err := pool.Exec(ctx,
		`INSERT INTO user_auth (user_id, password_hash) VALUES ($1, $2)`,
		userID, passwordHash,
	); err != nil {
		log.Fatalf("create dev auth record: %v", err)
	}

	log.Println("Seed completed successfully.")
	fmt.Printf("Dev login: %s / %s\n", devUserEmail, devPassword)
}

package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ No .env file found")
	} else {
		log.Println("✓ Loaded .env file")
	}

	ctx := context.Background()

	cfg := db.Config{
		Driver:   db.DriverPostgres,
		Host:     "localhost",
		Port:     5432,
		User:     "plantit",
		Password: "password",
		Database: "plantit",
		SSLMode:  "disable",
		Path:     "plantit.db",
	}

	if err := envconfig.Process("DB", &cfg); err != nil {
		log.Fatalf("failed to process env vars: %v", err)
	}

	database, err := db.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer database.Close()

	log.Printf("Running %s migrations...", cfg.Driver)
	group, err := db.Migrate(ctx, database)
	if err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}
	if group == nil || group.IsZero() {
		log.Println("Database is up to date.")
		return
	}
	log.Printf("Migrated to %s.", group)
}

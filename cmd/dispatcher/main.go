package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
)

var (
	DispatcherDB     *sql.DB
	DispatcherDriver string // "mysql" or "postgres"
)

func initDB() {
	dbURL := os.Getenv("OUTBOX_DATABASE_URL")
	if dbURL == "" {
		dbURL = os.Getenv("APP_DATABASE_URL")
	}

	if dbURL == "" {
		log.Fatal("Neither OUTBOX_DATABASE_URL nor APP_DATABASE_URL is set")
	}

	driver := "postgres"
	if strings.HasPrefix(dbURL, "mysql://") {
		driver = "mysql"
		dbURL = strings.TrimPrefix(dbURL, "mysql://")
		if strings.Contains(dbURL, "?") {
			dbURL += "&parseTime=true"
		} else {
			dbURL += "?parseTime=true"
		}
	}

	db, err := sql.Open(driver, dbURL)
	if err != nil {
		log.Fatalf("Failed to open outbox database (%s): %v", driver, err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping outbox database (%s): %v", driver, err)
	}

	DispatcherDB = db
	DispatcherDriver = driver
	log.Printf("✓ Connected to outbox database (%s)", driver)
}

// The dispatcher is the out-of-process alternative to the gateway's
// embedded outbox worker: one dispatcher can drain the shared outbox table
// across several gateway instances, delivering through their HTTP APIs.
func main() {
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("../../.env")
	}

	initDB()
	defer DispatcherDB.Close()

	apiBaseURL := os.Getenv("DISPATCHER_API_BASEURL")
	if apiBaseURL == "" {
		port := os.Getenv("PORT")
		if port == "" {
			port = "2121"
		}
		apiBaseURL = "http://localhost:" + port
	}

	apiUser := os.Getenv("API_USERNAME")
	apiPass := os.Getenv("DISPATCHER_API_PASSWORD")
	if apiUser == "" || apiPass == "" {
		log.Fatal("API_USERNAME and DISPATCHER_API_PASSWORD must be set")
	}

	client := NewGatewayClient(apiBaseURL, apiUser, apiPass)
	dispatcher := NewDispatcher(client)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("✓ Outbox dispatcher started against %s", apiBaseURL)
	dispatcher.Run(ctx)
	log.Println("✓ Outbox dispatcher stopped")
}

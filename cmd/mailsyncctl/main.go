// Command mailsyncctl is an operator tool for inspecting and repairing a
// single user's sync cursor without restarting the daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/db"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: mailsyncctl <command> <user-id>\n\ncommands:\n")
	fmt.Fprintf(os.Stderr, "  show <user-id>    print the user's cursor state\n")
	fmt.Fprintf(os.Stderr, "  resync <user-id>  clear the UID cursor, forcing a by-date resync\n")
}

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) != 2 {
		usage()
		os.Exit(2)
	}
	command, userID := args[0], args[1]

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseConnection(pool)

	switch command {
	case "show":
		if err := showUser(ctx, pool, userID); err != nil {
			log.Fatal(err)
		}
	case "resync":
		if err := resyncUser(ctx, pool, userID); err != nil {
			log.Fatal(err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func showUser(ctx context.Context, pool *pgxpool.Pool, userID string) error {
	user, err := db.LoadUser(ctx, pool, userID)
	if err != nil {
		return fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	fmt.Printf("user:           %s\n", user.ID)
	fmt.Printf("email:          %s\n", user.Email)
	fmt.Printf("imap host:      %s:%d (tls=%v)\n", user.Provider.Host, user.Provider.Port, user.Provider.TLS)

	if user.LastUIDValidity != nil {
		fmt.Printf("uid_validity:   %s\n", *user.LastUIDValidity)
	} else {
		fmt.Printf("uid_validity:   (none)\n")
	}

	if user.LastUID != nil {
		fmt.Printf("last_uid:       %d\n", *user.LastUID)
	} else {
		fmt.Printf("last_uid:       (none, next sync uses by-date search)\n")
	}

	if user.LastEmailAt != nil {
		fmt.Printf("last_email_at:  %s\n", user.LastEmailAt.Format("2006-01-02T15:04:05Z07:00"))
	} else {
		fmt.Printf("last_email_at:  (none)\n")
	}

	fmt.Printf("last_login_at:  %s\n", user.LastLoginAt.Format("2006-01-02T15:04:05Z07:00"))
	return nil
}

func resyncUser(ctx context.Context, pool *pgxpool.Pool, userID string) error {
	if err := db.ClearLastUID(ctx, pool, userID); err != nil {
		return fmt.Errorf("failed to clear cursor for user %s: %w", userID, err)
	}
	log.Printf("cleared UID cursor for user %s; next sync will run a by-date search", userID)
	return nil
}

// Command seed-child seeds or updates a child profile, and optionally a
// parent viewing link, in the Postgres datastore.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"kidstream/internal/models"
	"kidstream/internal/storage"
)

func main() {
	var (
		postgresDSN string
		childID     string
		ownerUserID string
		displayName string
		enabled     bool
		parentID    string
		canWatch    bool
	)

	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&childID, "child-id", "", "child profile ID")
	flag.StringVar(&ownerUserID, "owner", "", "user ID of the owning family account")
	flag.StringVar(&displayName, "name", "", "display name for the child profile")
	flag.BoolVar(&enabled, "enable-streaming", true, "allow the child to start streams")
	flag.StringVar(&parentID, "parent", "", "parent user ID to link for viewing (optional)")
	flag.BoolVar(&canWatch, "can-watch", true, "grant the linked parent viewing access")
	flag.Parse()

	if postgresDSN == "" {
		postgresDSN = strings.TrimSpace(os.Getenv("KIDSTREAM_POSTGRES_DSN"))
	}
	if postgresDSN == "" {
		fatalf("--postgres-dsn or KIDSTREAM_POSTGRES_DSN is required")
	}
	if strings.TrimSpace(childID) == "" {
		fatalf("--child-id is required")
	}
	if strings.TrimSpace(ownerUserID) == "" {
		fatalf("--owner is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo, err := storage.NewPostgres(ctx, storage.PostgresConfig{DSN: postgresDSN})
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer repo.Close()

	child := models.Child{
		ID:               strings.TrimSpace(childID),
		OwnerUserID:      strings.TrimSpace(ownerUserID),
		DisplayName:      strings.TrimSpace(displayName),
		StreamingEnabled: enabled,
	}
	if err := repo.SeedChild(ctx, child); err != nil {
		fatalf("seed child: %v", err)
	}
	fmt.Printf("Child %s seeded (streaming enabled: %t).\n", child.ID, child.StreamingEnabled)

	if parent := strings.TrimSpace(parentID); parent != "" {
		link := models.ParentLink{
			ParentUserID: parent,
			ChildID:      child.ID,
			CanWatch:     canWatch,
		}
		if err := repo.SeedParentLink(ctx, link); err != nil {
			fatalf("seed parent link: %v", err)
		}
		fmt.Printf("Parent %s linked to child %s (can watch: %t).\n", parent, child.ID, canWatch)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

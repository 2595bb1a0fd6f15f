// usertool manages portal accounts.
//
//	usertool hash -password <pw>                 print a bcrypt hash for a credentials file
//	usertool seed -file credentials.yaml         load a credentials file into PostgreSQL
//
// seed reads DATABASE_URL from the environment (or .env) unless -database-url
// is given, and waits for the database to come up. Designed to run once as an
// init container.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/fruitsalade/docportal/internal/credentials"
	"github.com/fruitsalade/docportal/internal/logging"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	if err := logging.Init(logging.Config{Level: "info", Format: "console"}); err != nil {
		panic("logging init: " + err.Error())
	}
	defer logging.Sync()

	switch os.Args[1] {
	case "hash":
		runHash(os.Args[2:])
	case "seed":
		runSeed(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: usertool hash [-password pw] | seed -file credentials.yaml [-database-url url]")
	os.Exit(2)
}

func runHash(args []string) {
	fs := flag.NewFlagSet("hash", flag.ExitOnError)
	password := fs.String("password", "", "Password to hash (read from stdin when empty)")
	fs.Parse(args)

	pw := *password
	if pw == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			logging.Fatal("read password", zap.Error(err))
		}
		pw = strings.TrimRight(line, "\r\n")
	}

	hash, err := credentials.HashPassword(pw)
	if err != nil {
		logging.Fatal("hash failed", zap.Error(err))
	}
	fmt.Println(hash)
}

func runSeed(args []string) {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	file := fs.String("file", "data/credentials.yaml", "Credentials YAML file")
	dbURL := fs.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
	fs.Parse(args)

	if *dbURL == "" {
		logging.Fatal("DATABASE_URL is required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		logging.Fatal("read credentials file", zap.Error(err))
	}
	users, err := credentials.ParseUsers(data)
	if err != nil {
		logging.Fatal("invalid credentials file", zap.Error(err))
	}

	// Connect to PostgreSQL with retries
	var dir *credentials.PostgresDirectory
	for i := 0; i < 15; i++ {
		dir, err = credentials.OpenPostgres(*dbURL)
		if err == nil {
			break
		}
		logging.Info("waiting for PostgreSQL",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		logging.Fatal("failed to connect to PostgreSQL", zap.Error(err))
	}
	defer dir.Close()

	ctx := context.Background()
	if err := dir.Migrate(ctx); err != nil {
		logging.Fatal("migration failed", zap.Error(err))
	}

	for _, u := range users {
		if err := dir.Upsert(ctx, u); err != nil {
			logging.Fatal("seed user failed", zap.String("username", u.Username), zap.Error(err))
		}
	}
	logging.Info("users seeded", zap.Int("count", len(users)), zap.String("file", *file))
}

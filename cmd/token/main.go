// Command token prints a development JWT accepted by the relay.
//
//	JWT_SECRET=... go run ./cmd/token --user alice --role guest --ttl 24h
package main

import (
	"chat-relay/auth"
	"chat-relay/clock"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

type Config struct {
	JwtSecret string `env:"JWT_SECRET,required=true"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	userID := flag.String("user", "", "user id carried by the token")
	role := flag.String("role", "guest", "role carried by the token")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()
	if *userID == "" {
		return fmt.Errorf("--user is required")
	}

	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	token, err := auth.NewTokenValidator(config.JwtSecret, clock.Real()).GenerateToken(*userID, *role, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

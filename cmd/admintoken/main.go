// Command admintoken prints a signed token for the /admin API (role admin) or
// for login front ends reporting to /auth/outcome (role service).
// The secret is read from ADMIN_JWT_SECRET (or .env).
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/imbrick/attributes-login-access/internal/auth"
	"github.com/joho/godotenv"
)

func main() {
	subject := flag.String("subject", "", "operator name recorded in the token (required)")
	role := flag.String("role", auth.RoleAdmin, "token role: admin or service")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "admintoken: -subject is required")
		os.Exit(2)
	}

	if *role != auth.RoleAdmin && *role != auth.RoleService {
		fmt.Fprintf(os.Stderr, "admintoken: unknown role %q\n", *role)
		os.Exit(2)
	}

	secret := os.Getenv("ADMIN_JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "admintoken: ADMIN_JWT_SECRET is not set")
		os.Exit(1)
	}

	token, err := auth.NewTokenManager(secret, auth.DefaultIssuer).GenerateToken(*subject, *role, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "admintoken: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}

// Command charging-token issues bearer tokens accepted by charging-service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"chargeflow/backend/services/charging-service/internal/config"
	"chargeflow/backend/services/charging-service/internal/service"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to YAML config file (defaults to $CONFIG_FILE)")
	userID := pflag.StringP("user", "u", "", "user id to embed in the token")
	scopeName := pflag.String("scope", string(service.ScopeDriver), "token scope: driver or operator")
	pflag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "--user is required")
		os.Exit(2)
	}

	scope, err := service.ParseScope(*scopeName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	token, err := service.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).GenerateToken(*userID, scope)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}

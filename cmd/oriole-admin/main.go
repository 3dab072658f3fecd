// Command oriole-admin manages users and gateway registrations directly
// against the database, without going through a running server.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/oriole-im/oriole/config"
	"github.com/oriole-im/oriole/db"
	"github.com/oriole-im/oriole/sasl"
)

// AdminConfig is the subset of the server configuration the admin tool
// needs.
type AdminConfig struct {
	Database config.DatabaseConfig `toml:"database"`
	SASL     config.SASLConfig     `toml:"sasl"`
	Gateway  config.GatewayConfig  `toml:"gateway"`
}

const scramSaltLength = 16

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "create-user":
		handleCreateUser()
	case "set-password":
		handleSetPassword()
	case "delete-user":
		handleDeleteUser()
	case "list-registrations":
		handleListRegistrations()
	case "delete-registration":
		handleDeleteRegistration()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`Oriole Admin Tool

Usage:
  oriole-admin <command> [options]

Commands:
  create-user          Create a new user
  set-password         Change an existing user's password
  delete-user          Delete a user
  list-registrations   List a user's gateway registrations
  delete-registration  Delete a user's registration on a gateway
  help                 Show this help message

Examples:
  oriole-admin create-user --username alice --password secret
  oriole-admin set-password --username alice --password newsecret
  oriole-admin list-registrations --username alice
  oriole-admin delete-registration --username alice --gateway irc.example.org

Use 'oriole-admin <command> --help' for more information about a command.
`)
}

func loadConfig(configPath string) AdminConfig {
	var cfg AdminConfig
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			log.Printf("WARNING: Configuration file '%s' not found. Using defaults and flags.", configPath)
		} else {
			log.Fatalf("Error parsing configuration file '%s': %v", configPath, err)
		}
	}
	return cfg
}

func connect(ctx context.Context, cfg *AdminConfig) *db.Database {
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to the database: %v", err)
	}
	return database
}

func credentialRequest(cfg *AdminConfig, username, password string) db.CreateUserRequest {
	hash, err := db.HashPassword(password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	salt := make([]byte, scramSaltLength)
	if _, err := rand.Read(salt); err != nil {
		log.Fatalf("Failed to generate salt: %v", err)
	}
	iterations := cfg.SASL.GetScramIterations()
	scram := sasl.DeriveScramCredentials(password, salt, iterations)

	return db.CreateUserRequest{
		Username:        username,
		PasswordHash:    hash,
		ScramSalt:       salt,
		ScramIterations: iterations,
		ScramStoredKey:  scram.StoredKey,
		ScramServerKey:  scram.ServerKey,
	}
}

func handleCreateUser() {
	fs := flag.NewFlagSet("create-user", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	username := fs.String("username", "", "Username for the new user (required)")
	password := fs.String("password", "", "Password for the new user (required)")
	fs.Parse(os.Args[2:])

	if *username == "" || *password == "" {
		fmt.Println("Error: --username and --password are required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	ctx := context.Background()
	database := connect(ctx, &cfg)
	defer database.Close()

	if err := database.CreateUser(ctx, credentialRequest(&cfg, *username, *password)); err != nil {
		log.Fatalf("Failed to create user: %v", err)
	}
	fmt.Printf("User %s created\n", *username)
}

func handleSetPassword() {
	fs := flag.NewFlagSet("set-password", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	username := fs.String("username", "", "Username to update (required)")
	password := fs.String("password", "", "New password (required)")
	fs.Parse(os.Args[2:])

	if *username == "" || *password == "" {
		fmt.Println("Error: --username and --password are required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	ctx := context.Background()
	database := connect(ctx, &cfg)
	defer database.Close()

	if err := database.UpdateUserPassword(ctx, credentialRequest(&cfg, *username, *password)); err != nil {
		log.Fatalf("Failed to set password: %v", err)
	}
	fmt.Printf("Password updated for %s\n", *username)
}

func handleDeleteUser() {
	fs := flag.NewFlagSet("delete-user", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	username := fs.String("username", "", "Username to delete (required)")
	fs.Parse(os.Args[2:])

	if *username == "" {
		fmt.Println("Error: --username is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	ctx := context.Background()
	database := connect(ctx, &cfg)
	defer database.Close()

	if err := database.DeleteUser(ctx, *username); err != nil {
		log.Fatalf("Failed to delete user: %v", err)
	}
	fmt.Printf("User %s deleted\n", *username)
}

func handleListRegistrations() {
	fs := flag.NewFlagSet("list-registrations", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	username := fs.String("username", "", "Username to list registrations for (required)")
	fs.Parse(os.Args[2:])

	if *username == "" {
		fmt.Println("Error: --username is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	if cfg.Gateway.RegistrationSecret == "" {
		log.Fatal("gateway.registration_secret is not configured")
	}
	ctx := context.Background()
	database := connect(ctx, &cfg)
	defer database.Close()

	store := db.NewRegistrationStore(database, cfg.Gateway.RegistrationSecret)
	regs, err := store.ListByUser(ctx, *username)
	if err != nil {
		log.Fatalf("Failed to list registrations: %v", err)
	}
	if len(regs) == 0 {
		fmt.Printf("No registrations for %s\n", *username)
		return
	}
	for _, reg := range regs {
		fmt.Printf("%-30s %-30s %s\n", reg.Gateway, reg.RemoteUser, reg.Nickname)
	}
}

func handleDeleteRegistration() {
	fs := flag.NewFlagSet("delete-registration", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	username := fs.String("username", "", "Username owning the registration (required)")
	gateway := fs.String("gateway", "", "Gateway domain of the registration (required)")
	fs.Parse(os.Args[2:])

	if *username == "" || *gateway == "" {
		fmt.Println("Error: --username and --gateway are required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	if cfg.Gateway.RegistrationSecret == "" {
		log.Fatal("gateway.registration_secret is not configured")
	}
	ctx := context.Background()
	database := connect(ctx, &cfg)
	defer database.Close()

	store := db.NewRegistrationStore(database, cfg.Gateway.RegistrationSecret)
	if err := store.Delete(ctx, *username, *gateway); err != nil {
		log.Fatalf("Failed to delete registration: %v", err)
	}
	fmt.Printf("Registration on %s deleted for %s\n", *gateway, *username)
}

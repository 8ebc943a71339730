// Package main is the entrypoint for the KeyGate operator CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/MacJediWizard/keygate/internal/auth"
	"github.com/MacJediWizard/keygate/internal/db"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "keygate",
		Short: "KeyGate operator CLI - manage a KeyGate deployment",
		Long: `KeyGate CLI is an operator tool for a KeyGate license server.

Run 'keygate bootstrap-master' against a fresh database to create the
root master account, then manage the rest of the hierarchy through the
HTTP API.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newBootstrapMasterCmd(),
		newHashPasswordCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("KeyGate %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newBootstrapMasterCmd() *cobra.Command {
	var (
		dbURL    string
		username string
		password string
		rate     int
	)

	cmd := &cobra.Command{
		Use:   "bootstrap-master",
		Short: "Create the root master account",
		Long: `Create the root master account in the database.

The master account is the top of the hierarchy and cannot be created
through the HTTP API. Run this once against a freshly migrated
database. The password is read from --password, or prompted for when
the flag is omitted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbURL == "" {
				dbURL = os.Getenv("DATABASE_URL")
			}
			if dbURL == "" {
				return errors.New("database URL required (--db or DATABASE_URL)")
			}
			if username == "" {
				return errors.New("--username is required")
			}

			if password == "" {
				var err error
				password, err = promptPassword()
				if err != nil {
					return err
				}
			}
			if err := auth.ValidatePassword(password); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
			database, err := db.New(ctx, db.DefaultConfig(dbURL), logger)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer database.Close()

			if err := database.Migrate(ctx); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}

			hash, err := auth.HashPassword(password)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}

			master := models.NewTierAccount(models.TierMaster, nil, username, hash, rate)
			if err := database.CreateTierAccount(ctx, master); err != nil {
				if errors.Is(err, db.ErrAlreadyExists) {
					return fmt.Errorf("master account %q already exists", username)
				}
				return fmt.Errorf("create master account: %w", err)
			}

			fmt.Printf("Created master account %q (id %s)\n", username, master.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbURL, "db", "", "PostgreSQL connection URL (defaults to DATABASE_URL)")
	cmd.Flags().StringVar(&username, "username", "", "username for the master account")
	cmd.Flags().StringVar(&password, "password", "", "password for the master account (prompted when omitted)")
	cmd.Flags().IntVar(&rate, "rate", 0, "per-unit rate charged to admins")

	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password for manual database fixes",
		Long: `Hash a password with the same algorithm the server uses.

Useful when resetting a locked-out account directly in the database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := promptPassword()
			if err != nil {
				return err
			}
			if err := auth.ValidatePassword(password); err != nil {
				return err
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			fmt.Println(hash)
			return nil
		},
	}
}

// promptPassword reads a password from the terminal without echoing it.
func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(raw), nil
}

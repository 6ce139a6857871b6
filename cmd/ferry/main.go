package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"ferry/internal/app"
	"ferry/internal/config"
	"ferry/internal/credentials"
	"ferry/internal/database"
	"ferry/internal/encryption"
	"ferry/internal/ferry"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// readConfig loads the config file named by the defaults.
func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates a FerryApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Copy", "History").
func newApp(operation string) (*app.FerryApp, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewFerryApp(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// openHistory opens the history database without checking its schema.
func openHistory() (*database.SQLiteDatabase, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	return database.NewDatabaseFromConfig(cfg.History, ferry.RealClock{})
}

var rootCmd = &cobra.Command{
	Use:   "ferry",
	Short: "Move files between this machine and a remote server",
}

// copy and move commands
func transferCmd(use, short, operation string, move bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " SOURCE DESTINATION",
		Short: short,
		Long: short + ".\n\n" +
			"The direction is chosen automatically: if SOURCE exists locally it is pushed\n" +
			"to DESTINATION on the remote, otherwise it is pulled from the remote to the\n" +
			"local DESTINATION. Directories are transferred recursively.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, _ := cmd.Flags().GetString("host")
			port, _ := cmd.Flags().GetInt("port")
			user, _ := cmd.Flags().GetString("user")

			a, err := newApp(operation)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			res, err := a.Transfer(ctx, args[0], args[1], move, app.Overrides{Host: host, Port: port, User: user})
			if res != nil {
				printSummary(res)
			}
			if err != nil {
				if errors.Is(err, ferry.ErrSourceRemoval) {
					fmt.Fprintln(os.Stderr, "The transfer completed but the source could not be removed: data exists in both places.")
				}
				return fmt.Errorf("%s failed: %w", use, err)
			}
			return nil
		},
	}
	cmd.Flags().String("host", "", "Remote host (overrides remote.host)")
	cmd.Flags().IntP("port", "p", 0, "Remote port (overrides remote.port)")
	cmd.Flags().StringP("user", "u", "", "Remote user (overrides remote.user)")
	return cmd
}

func printSummary(res *ferry.Result) {
	verb := "Pushed"
	if res.Direction == ferry.Pull {
		verb = "Pulled"
	}
	fmt.Printf("%s %d file(s), %d bytes in %.2fs\n", verb, res.Files, res.Bytes, res.Seconds())
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View transfer history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("History")
		if err != nil {
			return err
		}
		defer a.Close()

		transfers, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(transfers) == 0 {
			fmt.Println("No transfers recorded.")
			return nil
		}

		for _, t := range transfers {
			mode := "copy"
			if t.Move {
				mode = "move"
			}
			fmt.Printf("%s  %-4s  %-4s  %-9s  %s -> %s  %d file(s)  %d bytes  %s\n",
				t.StartedAt.Local().Format("2006-01-02 15:04:05"),
				mode,
				t.Direction,
				t.Status,
				t.Source,
				t.Destination,
				t.Files,
				t.Bytes,
				t.Elapsed.Truncate(time.Millisecond),
			)
			if t.Error != "" {
				fmt.Printf("    %s\n", t.Error)
			}
		}
		return nil
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		cfg.Remote.HostKeys.KnownHosts = defaults["known_hosts"]

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		db, err := database.NewDatabaseFromConfig(cfg.History, ferry.RealClock{})
		if err != nil {
			return fmt.Errorf("creating history database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrating history database: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Println("Set remote.host and remote.user before the first transfer.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Remote:      %s\n", cfg.Remote.Type)
		switch cfg.Remote.Type {
		case "s3":
			fmt.Printf("Bucket:      %s/%s\n", cfg.Remote.S3.Bucket, cfg.Remote.S3.Prefix)
		case "filesystem":
			fmt.Printf("Root:        %s\n", cfg.Remote.FSRoot)
		case "memory":
		default:
			fmt.Printf("Host:        %s@%s:%d\n", cfg.Remote.User, cfg.Remote.Host, cfg.Remote.Port)
			fmt.Printf("Host Keys:   %s\n", cfg.Remote.HostKeys.Policy)
		}
		fmt.Printf("History:     %s\n", cfg.History.Type)
		fmt.Printf("Exclude:     %v\n", cfg.Exclude)
		return nil
	},
}

// credential command
var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage the remote password",
}

var credentialSealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Store the remote password in an encrypted file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		if cfg.Remote.PasswordFile == "" {
			return fmt.Errorf("remote.password_file is not set in the config")
		}

		p := credentials.NewTerminalPrompter(os.Stdin, os.Stderr)
		password, err := p.Prompt("Remote password: ")
		if err != nil {
			return err
		}
		passphrase, err := p.Prompt("Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := p.Prompt("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if passphrase != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		f := encryption.NewSealedFile(cfg.Remote.PasswordFile, 0)
		if err := f.Seal(ferry.Secret(password), passphrase); err != nil {
			return err
		}
		fmt.Printf("Password sealed to %s\n", f.Path())
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the history database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openHistory()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Migrate(); err != nil {
			return err
		}
		fmt.Printf("History database at %s is up to date\n", db.Path())
		return nil
	},
}

var dbSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the history database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openHistory()
		if err != nil {
			return err
		}
		defer db.Close()

		schema, err := db.Schema(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Print(schema)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	credentialCmd.AddCommand(credentialSealCmd)

	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbSchemaCmd)

	// root commands
	rootCmd.AddCommand(transferCmd("copy", "Copy files to or from the remote", "Copy", false))
	rootCmd.AddCommand(transferCmd("move", "Move files to or from the remote", "Move", true))
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of transfers to show")
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(credentialCmd)
	rootCmd.AddCommand(dbCmd)
}

// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

// rememberme is the offline-first contact CLI. Edits always land in the local
// encrypted database first; sync pushes them to the server when a connection
// is available.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Carcadons/RememberMe-2.0/internal/cliconfig"
	"github.com/Carcadons/RememberMe-2.0/localstore"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rememberme",
	Short: "Offline-first personal contact manager",
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
		baseDir, err := cliconfig.DefaultBaseDir()
		if err != nil {
			return err
		}
		configPath, err := cliconfig.DefaultPath()
		if err != nil {
			return err
		}

		deviceID := uuid.New().String()
		cfg := cliconfig.NewConfig(deviceID, baseDir)
		if server, _ := cmd.Flags().GetString("server"); server != "" {
			cfg.ServerURL = server
		}

		if err := cliconfig.Init(configPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", configPath)
		fmt.Printf("Device ID: %s\n", deviceID)
		fmt.Printf("Server:    %s\n", cfg.ServerURL)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, err := cliconfig.DefaultPath()
		if err != nil {
			return err
		}
		cfg, err := cliconfig.ReadFromFile(configPath)
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", configPath)
		fmt.Printf("Server:        %s\n", cfg.ServerURL)
		fmt.Printf("Device ID:     %s\n", cfg.DeviceID)
		fmt.Printf("Database:      %s\n", cfg.DatabasePath)
		fmt.Printf("Sync interval: %s\n", cfg.Interval())
		return nil
	},
}

// auth commands
var signupCmd = &cobra.Command{
	Use:   "signup USERNAME",
	Short: "Create an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return authenticate(cmd, "/auth/signup", args[0])
	},
}

var signinCmd = &cobra.Command{
	Use:   "signin USERNAME",
	Short: "Sign in to an existing account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return authenticate(cmd, "/auth/signin", args[0])
	},
}

func authenticate(cmd *cobra.Command, path, username string) error {
	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		password = os.Getenv("REMEMBERME_PASSWORD")
	}
	if password == "" {
		return fmt.Errorf("password required (use --password or REMEMBERME_PASSWORD)")
	}

	a, err := newApp(false)
	if err != nil {
		return err
	}
	if err := a.Authenticate(cmd.Context(), path, username, password); err != nil {
		return err
	}
	fmt.Printf("Signed in as %s (user %s)\n", username, a.Session.UserID)
	return nil
}

var signoutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Sign out and revoke the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		if err := a.Signout(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Signed out")
		return nil
	},
}

// contact commands
var addCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		contact := &localstore.Contact{
			LocalID: uuid.New().String(),
			Name:    args[0],
		}
		contact.Company, _ = cmd.Flags().GetString("company")
		contact.Email, _ = cmd.Flags().GetString("email")
		contact.Phone, _ = cmd.Flags().GetString("phone")
		contact.Notes, _ = cmd.Flags().GetString("notes")
		contact.Tags, _ = cmd.Flags().GetStringSlice("tag")

		facts, _ := cmd.Flags().GetStringSlice("fact")
		for _, raw := range facts {
			label, value, ok := strings.Cut(raw, "=")
			if !ok {
				return fmt.Errorf("invalid fact %q (expected label=value)", raw)
			}
			contact.QuickFacts = append(contact.QuickFacts, localstore.QuickFact{Label: label, Value: value})
		}

		if err := a.Store.Put(cmd.Context(), contact, false); err != nil {
			return err
		}
		fmt.Printf("Added %s (%s)\n", contact.Name, contact.LocalID)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit ID",
	Short: "Edit a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		contact, err := a.Store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("name") {
			contact.Name, _ = cmd.Flags().GetString("name")
		}
		if cmd.Flags().Changed("company") {
			contact.Company, _ = cmd.Flags().GetString("company")
		}
		if cmd.Flags().Changed("email") {
			contact.Email, _ = cmd.Flags().GetString("email")
		}
		if cmd.Flags().Changed("phone") {
			contact.Phone, _ = cmd.Flags().GetString("phone")
		}
		if cmd.Flags().Changed("notes") {
			contact.Notes, _ = cmd.Flags().GetString("notes")
		}
		if cmd.Flags().Changed("tag") {
			contact.Tags, _ = cmd.Flags().GetStringSlice("tag")
		}

		if err := a.Store.Put(cmd.Context(), contact, false); err != nil {
			return err
		}
		fmt.Printf("Updated %s\n", contact.LocalID)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List contacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		contacts, err := a.Store.GetAll(cmd.Context(), false)
		if err != nil {
			return err
		}
		if len(contacts) == 0 {
			fmt.Println("No contacts.")
			return nil
		}

		for _, c := range contacts {
			marker := " "
			if !c.Synced {
				marker = "*"
			}
			line := fmt.Sprintf("%s %-36s %s", marker, c.LocalID, c.Name)
			if c.Company != "" {
				line += " (" + c.Company + ")"
			}
			fmt.Println(line)
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := a.Store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Name:    %s\n", c.Name)
		if c.Company != "" {
			fmt.Printf("Company: %s\n", c.Company)
		}
		if c.Email != "" {
			fmt.Printf("Email:   %s\n", c.Email)
		}
		if c.Phone != "" {
			fmt.Printf("Phone:   %s\n", c.Phone)
		}
		if c.Notes != "" {
			fmt.Printf("Notes:   %s\n", c.Notes)
		}
		if len(c.Tags) > 0 {
			fmt.Printf("Tags:    %s\n", strings.Join(c.Tags, ", "))
		}
		for _, f := range c.QuickFacts {
			fmt.Printf("  %s: %s\n", f.Label, f.Value)
		}
		fmt.Printf("Version: %d  Synced: %v\n", c.Version, c.Synced)
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm ID",
	Short: "Delete a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Store.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore ID",
	Short: "Restore a deleted contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Store.Restore(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Restored %s\n", args[0])
		return nil
	},
}

// sync commands
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push pending changes and pull the latest snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		initial, _ := cmd.Flags().GetBool("initial")

		var result *syncResultView
		if initial {
			r, err := a.Client.InitialSync(cmd.Context())
			if err != nil {
				return err
			}
			result = &syncResultView{r.Pushed, r.Conflicts, r.Failed, r.Pulled}
		} else {
			r, err := a.Client.Sync(cmd.Context())
			if err != nil {
				return err
			}
			result = &syncResultView{r.Pushed, r.Conflicts, r.Failed, r.Pulled}
		}

		fmt.Printf("Pushed %d, pulled %d", result.pushed, result.pulled)
		if result.conflicts > 0 {
			fmt.Printf(", %d conflict(s) resolved by server", result.conflicts)
		}
		if result.failed > 0 {
			fmt.Printf(", %d rejected", result.failed)
		}
		fmt.Println()
		return nil
	},
}

type syncResultView struct {
	pushed, conflicts, failed, pulled int
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync continuously until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Printf("Syncing every %s (Ctrl-C to stop)\n", a.Config.Interval())
		err = a.Client.Run(cmd.Context(), a.Config.Interval())
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Rebuild the local database from the server snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Client.Reset(cmd.Context())
		if err != nil {
			return err
		}
		if result.Pulled == 0 {
			fmt.Println("Server snapshot is empty; local state preserved.")
			return nil
		}
		fmt.Printf("Rebuilt local database with %d contact(s)\n", result.Pulled)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		pending, err := a.Store.QueueLen(cmd.Context())
		if err != nil {
			return err
		}
		failed, err := a.Store.FailedMutations(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Pending mutations: %d\n", pending)
		if len(failed) > 0 {
			fmt.Printf("Failed mutations:  %d\n", len(failed))
			for _, m := range failed {
				fmt.Printf("  #%d %s %s (attempts %d/%d)\n", m.ID, m.Action, m.LocalID, m.Attempts, m.MaxAttempts)
			}
		}
		return nil
	},
}

func init() {
	configInitCmd.Flags().String("server", "", "Sync server URL")
	configCmd.AddCommand(configInitCmd, configListCmd)

	signupCmd.Flags().String("password", "", "Account password")
	signinCmd.Flags().String("password", "", "Account password")

	addCmd.Flags().String("company", "", "Company")
	addCmd.Flags().String("email", "", "Email address")
	addCmd.Flags().String("phone", "", "Phone number")
	addCmd.Flags().String("notes", "", "Free-form notes")
	addCmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")
	addCmd.Flags().StringSlice("fact", nil, "Quick fact label=value (repeatable)")

	editCmd.Flags().String("name", "", "Name")
	editCmd.Flags().String("company", "", "Company")
	editCmd.Flags().String("email", "", "Email address")
	editCmd.Flags().String("phone", "", "Phone number")
	editCmd.Flags().String("notes", "", "Free-form notes")
	editCmd.Flags().StringSlice("tag", nil, "Tag (repeatable, replaces all tags)")

	syncCmd.Flags().Bool("initial", false, "Hydrate a fresh device (pull before pushing)")

	rootCmd.AddCommand(configCmd, signupCmd, signinCmd, signoutCmd,
		addCmd, editCmd, listCmd, showCmd, rmCmd, restoreCmd,
		syncCmd, watchCmd, resetCmd, statusCmd)
}

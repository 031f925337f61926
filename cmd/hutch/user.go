package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hutch-sh/hutch/pkg/auth"
	"github.com/hutch-sh/hutch/pkg/config"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage local users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Add a local user or reset their password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		admin, _ := cmd.Flags().GetBool("admin")

		path, err := usersFilePath()
		if err != nil {
			return err
		}
		uf, err := auth.LoadUsers(path)
		if err != nil {
			return err
		}

		password, err := promptPassword()
		if err != nil {
			return err
		}
		if err := uf.SetPassword(username, password, admin); err != nil {
			return err
		}
		if err := uf.Save(path); err != nil {
			return err
		}
		fmt.Printf("✓ User %q saved to %s\n", username, path)
		return nil
	},
}

var userRemoveCmd = &cobra.Command{
	Use:   "remove <username>",
	Short: "Remove a local user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := usersFilePath()
		if err != nil {
			return err
		}
		uf, err := auth.LoadUsers(path)
		if err != nil {
			return err
		}
		if !uf.Delete(args[0]) {
			return fmt.Errorf("user %q not found", args[0])
		}
		if err := uf.Save(path); err != nil {
			return err
		}
		fmt.Printf("✓ User %q removed\n", args[0])
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local users",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := usersFilePath()
		if err != nil {
			return err
		}
		uf, err := auth.LoadUsers(path)
		if err != nil {
			return err
		}
		if len(uf.Users) == 0 {
			fmt.Println("No local users.")
			return nil
		}
		for _, name := range uf.Names() {
			u := uf.Users[name]
			role := "user"
			if u.Admin {
				role = "admin"
			}
			fmt.Printf("%-24s %-6s created %s\n", name, role, u.CreatedAt.Format("2006-01-02"))
		}
		return nil
	},
}

func usersFilePath() (string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Auth.UsersFile == "" {
		return "", fmt.Errorf("auth.users_file is not set in %s", configPath)
	}
	return cfg.Auth.UsersFile, nil
}

func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Confirm:  ")
	second, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(first) == 0 {
		return "", fmt.Errorf("password must not be empty")
	}
	return string(first), nil
}

func init() {
	userAddCmd.Flags().Bool("admin", false, "grant the admin role")
	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userRemoveCmd)
	userCmd.AddCommand(userListCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manages users",
	}
	cmd.AddCommand(newUserAddCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var (
		admin bool
		email string
	)
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Creates or updates a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			roles := []string{"user"}
			if admin {
				roles = append(roles, crawler.RoleAdmin)
			}
			user := crawler.User{
				Username: crawler.NormalizeUsername(args[0]),
				Email:    email,
				Roles:    roles,
			}
			if err := appInstance.AddUser(cmd.Context(), user); err != nil {
				return fmt.Errorf("add user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s saved\n", user.Username)
			return nil
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	cmd.Flags().StringVar(&email, "email", "", "contact email")
	return cmd
}

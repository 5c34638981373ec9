package main

import (
	"fmt"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
)

func newSessionsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List your chat sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer app.shutdown()

			ctx := cmd.Context()
			if err := app.identity.EnsureStarted(ctx); err != nil {
				return err
			}
			if err := app.store.Rehydrate(ctx); err != nil {
				return err
			}
			if app.identity.IsAuthenticated() {
				if err := app.store.LoadUserSessions(ctx); err != nil {
					fmt.Printf("* %v\n", err)
				}
			}

			sessions := app.store.SortedSessions()
			if len(sessions) == 0 {
				fmt.Println("No sessions yet. Start one with `chavrusa chat`.")
				return nil
			}
			for _, s := range sessions {
				fmt.Printf("%s  %-24s %d messages  %s\n",
					s.ID, s.Title, s.MessageCount, s.LastActivity.Format("Jan 2 15:04"))
			}
			return nil
		},
	}
}

func newRabbisCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rabbis",
		Short: "List the available rabbis",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer app.shutdown()

			rabbis, err := app.client.Rabbis(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range rabbis {
				fmt.Printf("%-16s %s\n", r.ID, r.DisplayName)
				fmt.Printf("                 %s\n", r.Era)
				if r.Description != "" {
					fmt.Printf("                 %s\n", r.Description)
				}
				if len(r.Specialties) > 0 {
					fmt.Printf("                 Specialties: %s\n", strings.Join(r.Specialties, ", "))
				}
			}
			return nil
		},
	}
}

func newLoginCmd(configPath *string) *cobra.Command {
	var email string
	var reset bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to sync sessions across devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer app.shutdown()

			if email == "" {
				return fmt.Errorf("--email is required")
			}
			if reset {
				if err := app.identity.ResetPassword(cmd.Context(), email); err != nil {
					return err
				}
				fmt.Println("Password reset requested. Check your email.")
				return nil
			}
			line := liner.NewLiner()
			password, err := line.PasswordPrompt("Password: ")
			_ = line.Close()
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}

			creds, err := app.identity.SignIn(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			fmt.Printf("Signed in as %s.\n", creds.User.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().BoolVar(&reset, "reset", false, "request a password reset instead of signing in")
	return cmd
}

func newSignupCmd(configPath *string) *cobra.Command {
	var email, name string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer app.shutdown()

			if email == "" {
				return fmt.Errorf("--email is required")
			}
			line := liner.NewLiner()
			password, err := line.PasswordPrompt("Password: ")
			_ = line.Close()
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}

			creds, err := app.identity.SignUp(cmd.Context(), email, password, name)
			if err != nil {
				return err
			}
			fmt.Printf("Welcome, %s.\n", creds.User.DisplayName)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func newLogoutCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer app.shutdown()

			if err := app.identity.EnsureStarted(cmd.Context()); err != nil {
				return err
			}
			if err := app.identity.SignOut(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Signed out.")
			return nil
		},
	}
}

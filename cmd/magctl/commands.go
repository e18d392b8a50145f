package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gatewise/mag/pkg/credentials"
	"github.com/gatewise/mag/pkg/gateway"
	"github.com/gatewise/mag/pkg/mag"
	"github.com/gatewise/mag/pkg/slogx"
)

var (
	flagProfile  string
	flagUsername string
	flagDevice   string
	flagVerbose  bool
)

var rootCmd = &cobra.Command{
	Use:          "magctl",
	Short:        "Device and session tooling for mobile application gateways",
	Long:         "magctl registers a device with a gateway, acquires tokens, and sends\nauthenticated requests through the session policy chain.",
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagProfile, "profile", "p", "gateway.json", "path to the gateway profile JSON")
	rootCmd.PersistentFlags().StringVarP(&flagUsername, "username", "u", "", "resource owner username (password grant)")
	rootCmd.PersistentFlags().StringVarP(&flagDevice, "device-name", "d", "magctl", "device name presented at registration")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	gatewaysCmd.AddCommand(gatewaysSwitchCmd)
	rootCmd.AddCommand(registerCmd, tokenCmd, callCmd, renewCmd, logoutCmd, deregisterCmd, resetCmd, gatewaysCmd)
}

// openSession builds a session from the profile file, environment overrides
// and the credential flags.
func openSession(cmd *cobra.Command) (*mag.Session, error) {
	raw, err := os.ReadFile(flagProfile)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	profile, err := gateway.ParseProfile(raw)
	if err != nil {
		return nil, err
	}
	if err := profile.ApplyEnv(); err != nil {
		return nil, err
	}

	level := "info"
	if flagVerbose {
		level = "debug"
	}
	logger := slogx.New(slogx.Config{
		Service: "magctl",
		Version: version,
		Level:   level,
		Format:  "text",
		Output:  cmd.ErrOrStderr(),
	})

	creds, err := resolveCredentials(cmd)
	if err != nil {
		return nil, err
	}

	return mag.New(mag.Config{
		Profile:     profile,
		Credentials: creds,
		Device:      mag.DeviceInfo{Name: flagDevice},
		Logger:      logger,
	})
}

// resolveCredentials picks the credential source: an explicit username asks
// for a password, otherwise the session runs app-only on the profile's
// client credentials.
func resolveCredentials(cmd *cobra.Command) (credentials.Credentials, error) {
	if flagUsername == "" {
		return credentials.NewClientCredentials(), nil
	}

	if pw := os.Getenv("MAG_PASSWORD"); pw != "" {
		return credentials.NewPassword(flagUsername, []byte(pw)), nil
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "password for %s: ", flagUsername)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	return credentials.NewPassword(flagUsername, pw), nil
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this device with the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		// A protected no-op is the cheapest way to drive the lazy
		// registration and token acquisition to completion.
		if err := s.Authenticate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered with %s (state: %s)\n", s.Gateway(), s.State())
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a currently valid access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		token, err := s.AccessToken(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var callCmd = &cobra.Command{
	Use:   "call METHOD URL",
	Short: "Send an authenticated request through the session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		req, err := http.NewRequest(args[0], args[1], nil)
		if err != nil {
			return err
		}
		resp, err := s.Do(cmd.Context(), req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", resp.Status)
		_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
		return err
	},
}

var renewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Renew the device certificate",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.RenewCertificate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "certificate renewed")
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the token pair, keeping the device registration",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Logout(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "logged out")
		return nil
	},
}

var deregisterCmd = &cobra.Command{
	Use:   "deregister",
	Short: "Remove the device from the gateway and wipe local state",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Deregister(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "device deregistered")
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Wipe all locally persisted state for every gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.DestroyAllPersistentTokens(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "local state wiped")
		return nil
	},
}

var gatewaysSwitchCmd = &cobra.Command{
	Use:   "switch IDENTITY",
	Short: "Make another registered gateway the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := gateway.ParseIdentity(args[0])
		if err != nil {
			return err
		}

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.SwitchGateway(id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "active gateway: %s\n", s.Gateway())
		return nil
	},
}

var gatewaysCmd = &cobra.Command{
	Use:   "gateways",
	Short: "List the configured gateways",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		active := s.Gateway()
		for _, id := range s.Gateways() {
			marker := " "
			if id == active {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, id)
		}
		return nil
	},
}

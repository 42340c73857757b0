// Command knock is the letmein client: it sends one authenticated knock
// sequence to a server and reports success or failure (spec §4.3, §6).
//
// Usage:
//
//	knock HOST [--user UID] [--ipv4|--ipv6|--both] [--server-port P] KNOCK_PORT
//	knock show-key [--profile NAME] [--qr [--out FILE]]
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/knockproto/letmein/internal/client"
	"github.com/knockproto/letmein/internal/config"
	internalcrypto "github.com/knockproto/letmein/internal/crypto"
	"github.com/knockproto/letmein/internal/qr"
	"github.com/knockproto/letmein/pkg/protocol"
)

var clientConfigPath string

// main wires the knock CLI the way cmd/knockd/main.go does: the primary
// operation (here, knocking) lives directly on the root command, taking its
// positional args straight off root.Args, and only the auxiliary operation
// (show-key) is a named subcommand. A root command whose Use carries
// positional-argument placeholders ("knock HOST KNOCK_PORT") would have
// cobra parse "HOST" as a child command name instead, so those placeholders
// belong in Short/Long only, never in Use.
func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		profileName string
		userFlag    uint32
		userSet     bool
		ipv4        bool
		ipv6        bool
		both        bool
		serverPort  uint16
		verbose     bool
	)

	root := &cobra.Command{
		Use:   "knock",
		Short: "Send an authenticated port-knock",
		Long: `knock sends one authenticated knock sequence to a letmein server and
reports success or failure.

Usage:

	knock HOST [--user UID] [--ipv4|--ipv6|--both] [--server-port P] KNOCK_PORT`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := args[0]
			knockPort, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				return fmt.Errorf("invalid KNOCK_PORT %q: %w", args[1], err)
			}
			if cmd.Flags().Changed("user") {
				userSet = true
			}
			return runKnock(host, uint16(knockPort), profileName, userFlag, userSet, ipv4, ipv6, both, serverPort, verbose)
		},
	}
	root.PersistentFlags().StringVar(&clientConfigPath, "client-config", config.DefaultClientConfigPath(), "client config file path")

	root.Flags().StringVar(&profileName, "profile", "", "client config profile to use (default: \"default\")")
	root.Flags().Uint32Var(&userFlag, "user", 0, "UserId to knock as (default: profile's configured user)")
	root.Flags().BoolVar(&ipv4, "ipv4", false, "only attempt IPv4")
	root.Flags().BoolVar(&ipv6, "ipv6", false, "only attempt IPv6")
	root.Flags().BoolVar(&both, "both", false, "require both IPv4 and IPv6 to succeed")
	root.Flags().Uint16Var(&serverPort, "server-port", 0, "server port (default: profile's configured port)")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "print each handshake step")

	root.AddCommand(newShowKeyCmd())

	return root
}

func runKnock(host string, knockPort uint16, profileName string, userFlag uint32, userSet, ipv4, ipv6, both bool, serverPort uint16, verbose bool) error {
	cfg, err := config.LoadClientConfig(clientConfigPath)
	if err != nil {
		return &client.Error{Kind: client.KindConfig, Err: fmt.Errorf("loading client config: %w", err)}
	}
	profile, err := config.GetProfile(cfg, profileName)
	if err != nil {
		return &client.Error{Kind: client.KindConfig, Err: err}
	}

	key, err := internalcrypto.DecodeKey(profile.Key)
	if err != nil {
		return &client.Error{Kind: client.KindConfig, Err: fmt.Errorf("profile key: %w", err)}
	}
	resourceByPort, err := profile.ParsedResources()
	if err != nil {
		return &client.Error{Kind: client.KindConfig, Err: err}
	}

	user := profile.User
	if userSet {
		user = userFlag
	}
	if serverPort == 0 {
		serverPort = profile.ServerPort
	}

	mode := client.TryBoth
	switch {
	case both:
		mode = client.Both
	case ipv4:
		mode = client.IPv4Only
	case ipv6:
		mode = client.IPv6Only
	}

	err = client.Knock(client.Options{
		Host:       host,
		AddrMode:   mode,
		ServerPort: serverPort,
		KnockPort:  knockPort,
		User:       user,
		LookupKey: func(u uint32) (protocol.Key, bool) {
			if u != user {
				return protocol.Key{}, false
			}
			return key, true
		},
		LookupResource: func(port uint16) (uint32, bool) {
			res, ok := resourceByPort[port]
			return res, ok
		},
		ConnectTimeout:    profile.ConnectTimeout.Duration,
		HandshakeDeadline: profile.ConnectTimeout.Duration,
		Verbose:           verbose,
	})
	if err != nil {
		return err
	}
	fmt.Println("Knock successful.")
	return nil
}

// ────────────────────────────────────────────────────────────────────────
// knock show-key [--qr]
// ────────────────────────────────────────────────────────────────────────

func newShowKeyCmd() *cobra.Command {
	var (
		profileName string
		showQR      bool
		qrOutPath   string
	)
	cmd := &cobra.Command{
		Use:   "show-key",
		Short: "Print a profile's key fingerprint, or render it as a provisioning QR code",
		Long: `By default prints the fingerprint of a profile's key without revealing it.

With --qr, instead renders the profile's server host/port, user and key as a
QR code for scanning onto a second device. The encoded payload contains the
shared secret in the clear: treat the QR image itself as a secret.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig(clientConfigPath)
			if err != nil {
				return err
			}
			profile, err := config.GetProfile(cfg, profileName)
			if err != nil {
				return err
			}

			if showQR {
				fmt.Fprintln(os.Stderr, "Warning: the QR code contains the shared secret in the clear.")
				name := profileName
				if name == "" {
					name = "default"
				}
				return qr.Generate(&qr.Payload{
					Profile:    name,
					ServerHost: profile.ServerHost,
					ServerPort: profile.ServerPort,
					User:       profile.User,
					Key:        profile.Key,
				}, &qr.GenerateOptions{OutputPath: qrOutPath})
			}

			key, err := internalcrypto.DecodeKey(profile.Key)
			if err != nil {
				return err
			}
			fmt.Printf("user=%08X fingerprint=%s\n", profile.User, internalcrypto.FingerprintKey(key))
			return nil
		},
	}
	cmd.Flags().StringVar(&profileName, "profile", "", "client config profile (default: \"default\")")
	cmd.Flags().BoolVar(&showQR, "qr", false, "render as a QR code instead of printing a fingerprint")
	cmd.Flags().StringVar(&qrOutPath, "out", "", "write QR PNG to this path (default: print ASCII art)")
	return cmd
}

// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/qrterminal"
	"github.com/spf13/cobra"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/utils"
	"github.com/fern-gossip/fern/server/config"
)

// secretPath resolves the secret file from an explicit path or the config.
func secretPath(secretFile, configFile string) (string, error) {
	if secretFile != "" {
		return secretFile, nil
	}
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return "", fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}
	return cfg.Node.SecretFile, nil
}

func newKeygenCommand() *cobra.Command {
	var (
		out   string
		force bool
	)
	cmd := &cobra.Command{
		Use:     "keygen",
		Short:   "Generate a new identity",
		Example: `  fern keygen -o /var/lib/fern/secret`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if utils.Exists(out) && !force {
				return fmt.Errorf("'%v' already exists, use --force to overwrite it", out)
			}
			id, err := identity.Generate(rand.Reader)
			if err != nil {
				return err
			}
			defer id.Reset()
			if err = id.Store(out); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id.Identity().Token())
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "secret", "path of the secret file to write")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing secret file")
	return cmd
}

func printQR(w io.Writer, s string) {
	qrterminal.GenerateWithConfig(s, qrterminal.Config{
		Level:      qrterminal.L,
		Writer:     w,
		HalfBlocks: true,
		QuietZone:  1,
	})
}

func newIdentityCommand() *cobra.Command {
	var (
		secretFile string
		configFile string
		qr         bool
	)
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Print the node identity",
		Example: `  fern identity -f /etc/fern/fern.toml --qr
  fern identity --secret /var/lib/fern/secret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := secretPath(secretFile, configFile)
			if err != nil {
				return err
			}
			id, err := identity.Load(path)
			if err != nil {
				return err
			}
			defer id.Reset()

			token := id.Identity().Token()
			w := cmd.OutOrStdout()
			if _, err = fmt.Fprintln(w, token); err != nil {
				return err
			}
			if qr {
				printQR(w, token)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&secretFile, "secret", "", "path of the secret file, overrides the config")
	cmd.Flags().StringVarP(&configFile, "config", "f", defaultConfigFile, "path to the node configuration file")
	cmd.Flags().BoolVar(&qr, "qr", false, "also print the identity as a QR code")
	return cmd
}

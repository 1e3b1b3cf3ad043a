// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Command fern runs a fern node and talks to it.
package main

import (
	"github.com/spf13/cobra"

	"github.com/fern-gossip/fern/common"
)

const (
	defaultConfigFile = "fern.toml"
	defaultLocalAddr  = "127.0.0.1:8009"
)

// newRootCommand creates the root cobra command.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fern",
		Short: "Secure gossip node and client",
		Long: `fern is a peer to peer gossip node.  Every node keeps an append only,
signed feed and replicates the feeds it follows from the peers it connects
to, over connections authenticated with the secret handshake.

Run "fern server" to start a node, then use the other commands to publish
to and read from it over its local RPC listener.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(
		newServerCommand(),
		newKeygenCommand(),
		newIdentityCommand(),
		newPostCommand(),
		newFollowCommand(true),
		newFollowCommand(false),
		newPublishCommand(),
		newDigestCommand(),
		newFollowsCommand(),
		newHistoryCommand(),
	)
	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/op/go-logging.v1"

	"github.com/fern-gossip/fern/client"
	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/feed"
	"github.com/fern-gossip/fern/core/utils"
	"github.com/fern-gossip/fern/server/config"
)

// rpcOptions select the node a command talks to.
type rpcOptions struct {
	addr       string
	configFile string
	timeout    time.Duration
}

func (o *rpcOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.addr, "addr", "a", "", "local RPC address of the node (default from the config, else "+defaultLocalAddr+")")
	cmd.Flags().StringVarP(&o.configFile, "config", "f", defaultConfigFile, "path to the node configuration file")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 30*time.Second, "request timeout")
}

func (o *rpcOptions) address() (string, error) {
	if o.addr != "" {
		return o.addr, nil
	}
	if !utils.Exists(o.configFile) {
		return defaultLocalAddr, nil
	}
	cfg, err := config.LoadFile(o.configFile)
	if err != nil {
		return "", fmt.Errorf("failed to load config file '%v': %v", o.configFile, err)
	}
	return cfg.Node.LocalAddress, nil
}

func (o *rpcOptions) run(fn func(ctx context.Context, c *client.Client) error) error {
	addr, err := o.address()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	log := logging.MustGetLogger("fern")
	logging.SetLevel(logging.ERROR, "fern")
	c, err := client.Dial(ctx, addr, log)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func printJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func newPostCommand() *cobra.Command {
	var o rpcOptions
	cmd := &cobra.Command{
		Use:     "post <text>",
		Short:   "Publish a post",
		Example: `  fern post "hello world"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(func(ctx context.Context, c *client.Client) error {
				id, err := c.Post(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
				return err
			})
		},
	}
	o.register(cmd)
	return cmd
}

func newFollowCommand(follow bool) *cobra.Command {
	var o rpcOptions
	use, short := "follow", "Follow an identity"
	if !follow {
		use, short = "unfollow", "Stop following an identity"
	}
	cmd := &cobra.Command{
		Use:     use + " <identity>",
		Short:   short,
		Example: "  fern " + use + " @<base64 key>",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := identity.FromToken(args[0])
			if err != nil {
				return fmt.Errorf("invalid argument '%v': %v", args[0], err)
			}
			return o.run(func(ctx context.Context, c *client.Client) error {
				var id string
				if follow {
					id, err = c.Follow(ctx, target)
				} else {
					id, err = c.Unfollow(ctx, target)
				}
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
				return err
			})
		},
	}
	o.register(cmd)
	return cmd
}

// publishData interprets a command line value: JSON objects, arrays,
// numbers and literals are structured, anything else is text.
func publishData(s string) interface{} {
	var v interface{}
	d := json.NewDecoder(strings.NewReader(s))
	d.UseNumber()
	if err := d.Decode(&v); err != nil || d.More() {
		return s
	}
	if _, ok := v.(string); ok {
		return v
	}
	return json.RawMessage(s)
}

func newPublishCommand() *cobra.Command {
	var o rpcOptions
	cmd := &cobra.Command{
		Use:   "publish <type> <data>",
		Short: "Publish an entry of any type",
		Example: `  fern publish about '{"name": "fern"}'
  fern publish note "plain text"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(func(ctx context.Context, c *client.Client) error {
				id, err := c.Add(ctx, args[0], publishData(args[1]))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
				return err
			})
		},
	}
	o.register(cmd)
	return cmd
}

func newDigestCommand() *cobra.Command {
	var o rpcOptions
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Print the newest entry id of every known feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(func(ctx context.Context, c *client.Client) error {
				digest, err := c.Digest(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), digest)
			})
		},
	}
	o.register(cmd)
	return cmd
}

func newFollowsCommand() *cobra.Command {
	var o rpcOptions
	cmd := &cobra.Command{
		Use:   "follows [identity]",
		Short: "Print a follow set, by default the node's",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target *identity.Identity
			if len(args) == 1 {
				var err error
				if target, err = identity.FromToken(args[0]); err != nil {
					return fmt.Errorf("invalid argument '%v': %v", args[0], err)
				}
			}
			return o.run(func(ctx context.Context, c *client.Client) error {
				ids, err := c.Follows(ctx, target)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, id := range ids {
					if _, err = fmt.Fprintln(w, id.Token()); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	o.register(cmd)
	return cmd
}

func newHistoryCommand() *cobra.Command {
	var (
		o     rpcOptions
		seq   uint64
		limit int
	)
	cmd := &cobra.Command{
		Use:     "history <identity>",
		Short:   "Print the entries of a feed",
		Example: `  fern history @<base64 key> --seq 10 --limit 20`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			author, err := identity.FromToken(args[0])
			if err != nil {
				return fmt.Errorf("invalid argument '%v': %v", args[0], err)
			}
			return o.run(func(ctx context.Context, c *client.Client) error {
				w := cmd.OutOrStdout()
				return c.HistoryStream(ctx, author, seq, limit, func(e *feed.Entry) error {
					msg, err := e.Message()
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(w, string(msg))
					return err
				})
			})
		},
	}
	o.register(cmd)
	cmd.Flags().Uint64Var(&seq, "seq", 0, "only print entries after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries, 0 for the node's maximum")
	return cmd
}

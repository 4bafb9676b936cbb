package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/arzan03/EasyTransfer/internal/client"
	"github.com/arzan03/EasyTransfer/internal/server"
)

const defaultPort = 1235

func addPortFlag(fs *pflag.FlagSet, port *int) {
	fs.IntVarP(port, "port", "p", defaultPort, "control port of the running server")
}

// target finds the running server: --port wins, then the state file, then
// the default port.
func target(cmd *cobra.Command, port int) (*client.Client, string) {
	if cmd.Flags().Changed("port") {
		return client.New(port), "http://localhost:" + strconv.Itoa(port)
	}
	st, err := server.ReadState(server.DefaultStatePath())
	if err != nil {
		return client.New(defaultPort), "http://localhost:" + strconv.Itoa(defaultPort)
	}
	public := st.Public
	if public == "" {
		public = "http://localhost:" + strconv.Itoa(st.Port)
	}
	return client.New(st.Port), public
}

func newShareCmd() *cobra.Command {
	var (
		port  int
		count int
		secs  int
	)
	cmd := &cobra.Command{
		Use:   "share <path>",
		Short: "Publish a file or directory and print its download link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, public := target(cmd, port)

			var opts client.ShareOptions
			if cmd.Flags().Changed("count") {
				opts.Count = &count
			}
			if cmd.Flags().Changed("time") {
				ttl := time.Duration(secs) * time.Second
				opts.TTL = &ttl
			}

			id, err := c.Share(args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%d\n", public, id)
			return nil
		},
	}
	flags := cmd.Flags()
	addPortFlag(flags, &port)
	flags.IntVarP(&count, "count", "c", 1, "number of downloads allowed")
	flags.IntVarP(&secs, "time", "t", 3600, "lifetime of the link in seconds")
	return cmd
}

func newListCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live links as id,count,expires_at,path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _ := target(cmd, port)
			out, err := c.List()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	addPortFlag(cmd.Flags(), &port)
	return cmd
}

func newRevokeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Invalidate a link before it expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			c, _ := target(cmd, port)
			return c.Revoke(id)
		},
	}
	addPortFlag(cmd.Flags(), &port)
	return cmd
}

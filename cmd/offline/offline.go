package offline

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/kashguard/go-mpc-mesh/internal/config"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/transport/offline"
	"github.com/kashguard/go-mpc-mesh/internal/util/command"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func New() *cobra.Command {
	return command.NewSubcommandGroup("offline",
		newKeygenCmd(),
		newInboxCmd(),
	)
}

func newKeygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the age identity used by the offline transport",
		Long: `Writes a new age X25519 identity and prints its public key.

Distribute the public key to the other nodes and add it to their
OFFLINE_RECIPIENTS as <node_id>:<public key>.`,
		Run: func(cmd *cobra.Command, args []string) {
			if out == "" {
				out = config.DefaultServiceConfigFromEnv().Offline.IdentityFile
			}
			if _, err := os.Stat(out); err == nil {
				log.Fatal().Str("path", out).Msg("Identity file already exists, refusing to overwrite")
			}

			recipient, err := offline.GenerateIdentity(out)
			if err != nil {
				log.Fatal().Err(err).Str("path", out).Msg("Failed to generate identity")
			}

			log.Info().Str("path", out).Msg("Identity generated")
			fmt.Println(recipient)
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Identity file path (default OFFLINE_IDENTITY_FILE)")
	return cmd
}

func newInboxCmd() *cobra.Command {
	var nodeID string

	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List bundles waiting in a node's exchange inbox",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.DefaultServiceConfigFromEnv()
			if nodeID == "" {
				nodeID = cfg.MPC.NodeID
			}

			pending, err := offline.Pending(cfg.Offline.ExchangeDir, nodeID)
			if err != nil {
				log.Fatal().Err(err).Str("node_id", nodeID).Msg("Failed to read inbox")
			}
			if len(pending) == 0 {
				log.Info().Str("node_id", nodeID).Str("dir", cfg.Offline.ExchangeDir).Msg("Inbox is empty")
				return
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FILE\tSIZE\tWRITTEN")
			for _, b := range pending {
				fmt.Fprintf(w, "%s\t%d\t%s\n", b.Name, b.Size, b.ModTime.Format(time.RFC3339))
			}
			_ = w.Flush()
		},
	}

	cmd.Flags().StringVar(&nodeID, "node", "", "Node id whose inbox to list (default MPC_NODE_ID)")
	return cmd
}

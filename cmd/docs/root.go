package docs

import (
	"context"
	"fmt"

	"github.com/fluxrill/pdal/cmd/util"
	"github.com/fluxrill/pdal/lib/backend"
	"github.com/fluxrill/pdal/lib/pdal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	store *pdal.Store

	// DocumentCommands represents the document command group. Every
	// command runs against an embedded in-memory backend seeded per the
	// --seed flag, so the group is a sandbox for exploring the access
	// layer, not a durable store.
	DocumentCommands = &cobra.Command{
		Use:               "docs",
		Short:             "Perform document operations against an embedded store",
		PersistentPreRunE: setupStore,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common store flags to the command group
	util.SetupStoreFlags(DocumentCommands)

	key := "seed"
	DocumentCommands.PersistentFlags().Int(key, 0, util.WrapString("Number of documents to seed before running the command"))

	// Add subcommands
	DocumentCommands.AddCommand(putCmd)
	DocumentCommands.AddCommand(getCmd)
	DocumentCommands.AddCommand(updateCmd)
	DocumentCommands.AddCommand(scanCmd)
	DocumentCommands.AddCommand(reshardCmd)
	DocumentCommands.AddCommand(infoCmd)
}

// setupStore creates the embedded store and seeds it
func setupStore(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	util.InitLoggers(viper.GetString("log-level"))

	s, _, err := util.NewDemoStore(cmd.Context())
	if err != nil {
		return err
	}
	store = s

	return seedStore(cmd.Context(), viper.GetInt("seed"))
}

// seedStore writes n documents doc-0 .. doc-n-1 with matching routing keys
func seedStore(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%d", i)
		doc := backend.Document{
			ID:         fmt.Sprintf("doc-%d", i),
			RoutingKey: key,
			Value:      []byte(fmt.Sprintf("value-%d", i)),
		}
		if _, err := store.Put(ctx, doc); err != nil {
			return fmt.Errorf("failed to seed document %s: %w", doc.ID, err)
		}
	}
	return nil
}

package docs

import (
	"fmt"
	"strconv"

	"github.com/fluxrill/pdal/cmd/util"
	"github.com/fluxrill/pdal/lib/backend"
	"github.com/fluxrill/pdal/lib/pdal"
	"github.com/fluxrill/pdal/lib/scan"
	"github.com/spf13/cobra"
)

var (
	putCmd = &cobra.Command{
		Use:   "put [id] [routingKey] [value]",
		Short: "Writes a document",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc := backend.Document{ID: args[0], RoutingKey: args[1], Value: []byte(args[2])}
			res, err := store.Put(cmd.Context(), doc)
			if err != nil {
				return err
			}
			fmt.Printf("outcome=%s achieved=%s acks=%d sequence=%d version=%d\n",
				res.Outcome, res.Achieved, res.Acks, res.Sequence, res.Version)
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [routingKey] [id]",
		Short: "Reads a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, found, err := store.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if !found {
				fmt.Printf("id=%s, found=false\n", args[1])
				return nil
			}
			fmt.Printf("id=%s, found=true, sequence=%d, version=%d, value=%s\n",
				doc.ID, doc.Sequence, doc.Version, doc.Value)
			return nil
		},
	}
	updateCmd = &cobra.Command{
		Use:   "update [id] [routingKey] [value] [expectedVersion]",
		Short: "Updates a document if it is still at the expected version",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			expected, err := strconv.ParseUint(args[3], 10, 64)
			if err != nil {
				return fmt.Errorf("expectedVersion must be a number: %w", err)
			}
			doc := backend.Document{ID: args[0], RoutingKey: args[1], Value: []byte(args[2])}
			res, err := store.ConditionalUpdate(cmd.Context(), doc, expected)
			if err != nil {
				return err
			}
			fmt.Printf("outcome=%s version=%d\n", res.Outcome, res.Version)
			return nil
		},
	}
	scanCmd = &cobra.Command{
		Use:   "scan",
		Short: "Pages through all documents, printing one line per document",
		RunE: func(cmd *cobra.Command, args []string) error {
			merge, _ := cmd.Flags().GetBool("merge")
			pageSize, _ := cmd.Flags().GetInt("scan-page-size")

			req := scan.Request{Merge: merge, PageSize: pageSize}
			total := 0
			for {
				page, err := store.Scan(cmd.Context(), req)
				if err != nil {
					return err
				}
				for _, doc := range page.Documents {
					fmt.Printf("sequence=%-6d id=%-12s value=%s\n", doc.Sequence, doc.ID, doc.Value)
					total++
				}
				if page.Next == nil {
					break
				}
				req = scan.Request{Token: page.Next, PageSize: pageSize}
			}
			fmt.Printf("%d documents\n", total)
			return nil
		},
	}
	reshardCmd = &cobra.Command{
		Use:   "reshard [targetPartitions]",
		Short: "Reshards the whole keyspace into the given number of partitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("targetPartitions must be a positive number")
			}

			var sources []backend.PartitionID
			for _, meta := range store.Table().Snapshot() {
				sources = append(sources, meta.ID)
			}

			// target IDs start above the current ones to avoid collisions
			targets := util.EqualPartitions(n)
			offset := backend.PartitionID(0)
			for _, id := range sources {
				if id > offset {
					offset = id
				}
			}
			for i := range targets {
				targets[i].ID += offset
			}

			err = store.Reshard(cmd.Context(), pdal.Plan{Sources: sources, Targets: targets}, func(p pdal.Progress) {
				fmt.Printf("phase=%-8s migrated=%-6d %3.0f%%\n", p.Phase, p.Migrated, p.Fraction*100)
			})
			if err != nil {
				return err
			}
			fmt.Printf("resharded %d partitions into %d (generation %d)\n",
				len(sources), n, store.Table().Generation())
			return nil
		},
	}
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints the backend info and the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := store.Info()
			if err != nil {
				return err
			}
			fmt.Printf("engine=%s partitions=%d documents=%d\n", info.Engine, info.Partitions, info.Documents)

			cfg, err := util.GetStoreConfig()
			if err != nil {
				return err
			}
			fmt.Println(cfg.String())
			return nil
		},
	}
)

func init() {
	scanCmd.Flags().Bool("merge", false, util.WrapString("Merge all partitions into one globally ordered stream"))
	scanCmd.Flags().Int("scan-page-size", 0, util.WrapString("Page size for this scan (0 = configured default)"))
}

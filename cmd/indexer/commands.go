package main

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/transfers"
	pkgconfig "github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/config"
	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
)

var rollbackTo uint64

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the committed height and retained checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "backend:              %s\n", cfg.Store.Backend)

		last, ok, err := st.LastCommittedHeight(cmd.Context())
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "last committed:       (nothing committed)")
			return nil
		}
		fmt.Fprintf(out, "last committed:       %d\n", last)

		if pruned, ok, err := st.PrunedHeight(cmd.Context()); err != nil {
			return err
		} else if ok {
			fmt.Fprintf(out, "pruned through:       %d\n", pruned)
		}

		headers, err := st.RecentHeaders(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "retained checkpoints: %d\n", len(headers))
		if len(headers) > 0 {
			fmt.Fprintf(out, "rollback range:       %d..%d\n", headers[0].Height-1, headers[len(headers)-1].Height)
			fmt.Fprintf(out, "head checkpoint:      %s\n", headers[len(headers)-1].Hash.Hex())
		}
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Undo every committed height above --to",
	Long: `rollback restores the store to the state it had right after block --to was committed.
The target must not lie below the pruned checkpoint horizon. Use it to resync after the
indexer halted on a reorg deeper than the confirmation window.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("to") {
			return fmt.Errorf("--to is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.RollbackTo(cmd.Context(), rollbackTo); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}

		last, _, err := st.LastCommittedHeight(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rolled back, last committed height is now %d\n", last)
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect KEY",
	Short: "Print one record of the derived store",
	Example: `  indexer inspect transfer:0006082465-abcde-000012
  indexer inspect 0006082465-abcde-000012`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		key := args[0]
		fields, err := st.Get(cmd.Context(), key)
		if err != nil {
			// bare transfer ids are accepted too
			var prefixedErr error
			fields, prefixedErr = st.Get(cmd.Context(), transfers.Key(key))
			if prefixedErr != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}

		out := cmd.OutOrStdout()
		for _, k := range slices.Sorted(maps.Keys(fields)) {
			fmt.Fprintf(out, "%-8s %s\n", k+":", fields[k])
		}
		return nil
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema of the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		reflector := jsonschema.Reflector{FieldNameTag: "json"}
		schema := reflector.Reflect(&pkgconfig.Config{})

		data, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode schema: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func init() {
	rollbackCmd.Flags().Uint64Var(&rollbackTo, "to", 0, "height to roll back to")
}

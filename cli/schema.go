package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"hive.evalgo.org/common"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Coordination database schema management",
}

var schemaInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the coordination tables",
	Long: `Create the coordination tables and indexes if they do not exist yet.
Workers also do this on startup; the explicit command exists for restricted
environments where workers run without DDL privileges.`,
	Args: cobra.NoArgs,
	RunE: runSchemaInit,
}

func init() {
	schemaCmd.AddCommand(schemaInitCmd)
	RootCmd.AddCommand(schemaCmd)
}

func runSchemaInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadOperatorConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := connectStore(ctx, cfg, common.Logger)
	if err != nil {
		return err
	}
	defer store.DB().Close()

	if err := store.CreateTables(ctx); err != nil {
		return fmt.Errorf("failed to create coordination schema: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Coordination schema is ready")
	return nil
}

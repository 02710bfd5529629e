package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jolli/tenantfabric/internal/infrastructure/catalog"
	"github.com/jolli/tenantfabric/internal/infrastructure/database"
	"github.com/jolli/tenantfabric/internal/infrastructure/logger"
	"github.com/jolli/tenantfabric/internal/infrastructure/migrator"
	"github.com/jolli/tenantfabric/internal/infrastructure/registry"
	"github.com/jolli/tenantfabric/pkg/secrets"
)

// Exit codes: 0 success, 1 any error, 10 dry-run detected changes.
const exitCodeChanges = 10

func main() {
	logger.InitLogger()

	if err := rootCmd().Execute(); err != nil {
		fatal(err)
	}
}

func rootCmd() *cobra.Command {
	var dryRun, checkOnly, verbose bool
	var canaryTenant, canaryOrg string

	cmd := &cobra.Command{
		Use:          "migrate-schemas",
		Short:        "Migrate every tenant-org schema to match the application catalog",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("SKIP_SCHEMA_MIGRATIONS") {
				fmt.Println("SKIP_SCHEMA_MIGRATIONS is set; skipping schema migrations")
				return nil
			}

			registryURL := viper.GetString("MULTI_TENANT_REGISTRY_URL")
			if registryURL == "" {
				return fmt.Errorf("MULTI_TENANT_REGISTRY_URL is required")
			}

			// CLI flags override environment for the canary pair
			if canaryTenant == "" && canaryOrg == "" {
				canaryTenant = viper.GetString("CANARY_TENANT_SLUG")
				canaryOrg = viper.GetString("CANARY_ORG_SLUG")
			}

			reg, err := registry.NewPostgresRegistry(registryURL)
			if err != nil {
				return err
			}
			defer reg.Close()

			decrypt := secrets.DecryptFunc(viper.GetString("DB_PASSWORD_ENCRYPTION_KEY"))
			newHandle := database.NewHandleFactory(viper.GetInt("MULTI_TENANT_POOL_MAX_PER_CONNECTION"))
			newDatabase := database.NewDatabaseFactory(catalog.New())

			engine := migrator.NewMigrator(reg, decrypt, newHandle, newDatabase)

			summary, err := engine.Run(cmd.Context(), migrator.Options{
				DryRun:           dryRun,
				CheckOnly:        checkOnly,
				Verbose:          verbose,
				CanaryTenantSlug: canaryTenant,
				CanaryOrgSlug:    canaryOrg,
			})
			if err != nil {
				return err
			}

			printSummary(summary, verbose)

			if summary.DryRun && summary.HasChanges() {
				// Not an error; the operator decides.
				os.Exit(exitCodeChanges)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report the canary's schema delta without applying it")
	cmd.Flags().BoolVar(&checkOnly, "check-only", false, "Verify every org connection without issuing DDL")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print captured DDL statements")
	cmd.Flags().StringVar(&canaryTenant, "canary-tenant", "", "Tenant slug migrated first")
	cmd.Flags().StringVar(&canaryOrg, "canary-org", "", "Org slug migrated first")

	viper.AutomaticEnv()

	return cmd
}

func printSummary(summary *migrator.Summary, verbose bool) {
	if summary.DryRun {
		printDryRun(summary)
		return
	}

	for _, result := range summary.Results {
		status := "ok"
		if result.Error != "" {
			status = "FAILED: " + result.Error
		}
		fmt.Printf("%s/%s (%s): %s", result.TenantSlug, result.OrgSlug, result.SchemaName, status)
		if result.ChangesApplied {
			fmt.Printf(" [%d change(s) applied]", result.ChangeCount)
		}
		fmt.Println()

		if verbose {
			for _, stmt := range result.Statements {
				fmt.Println("    " + stmt)
			}
		}
	}

	fmt.Printf("successful = %d, failed = %d, skipped tenants = %d\n",
		summary.Successful, summary.Failed, summary.SkippedTenants)
}

func printDryRun(summary *migrator.Summary) {
	if !summary.HasChanges() {
		fmt.Println("Dry run: no schema changes detected")
		return
	}

	for _, change := range summary.DryRunChanges {
		fmt.Println(change.Format())
	}
	fmt.Printf("WARNING: dry run detected %d pending schema change(s)\n", len(summary.DryRunChanges))
}

// fatal prints the error as a single line plus, when available, a stack
// line, then exits 1.
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if stack := debug.Stack(); len(stack) > 0 {
		fmt.Fprintf(os.Stderr, "%s\n", stack)
	}
	os.Exit(1)
}

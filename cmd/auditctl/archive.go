package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bizsuite/auditchain/internal/export"
)

// ============================================================================
// archive
// ============================================================================

func newArchiveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Create, list and verify chain archives",
	}
	cmd.AddCommand(newArchiveCreateCmd(a), newArchiveListCmd(a), newArchiveVerifyCmd(a))
	return cmd
}

func newArchiveCreateCmd(a *app) *cobra.Command {
	var (
		tenantID  string
		all       bool
		ifChanged bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Snapshot tenant chains into archive storage",
		Long: `Verify a tenant chain and write it to archive storage with a manifest,
signed when archive.signing_key_file is configured. A broken chain is never
archived.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (tenantID == "") == !all {
				return errors.New("exactly one of --tenant or --all is required")
			}
			archiver, err := a.archiver(cmd.Context())
			if err != nil {
				return err
			}

			tenants := []string{tenantID}
			if all {
				tenants, err = a.repo.Tenants(cmd.Context())
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, t := range tenants {
				var (
					res     *export.ArchiveResult
					created = true
				)
				if ifChanged {
					res, created, err = archiver.ArchiveIfChanged(cmd.Context(), t)
				} else {
					res, err = archiver.Archive(cmd.Context(), t)
				}

				var broken *export.BrokenChainError
				switch {
				case errors.As(err, &broken):
					failed++
					printChainResult(out, broken.Result)
				case errors.Is(err, export.ErrEmptyChain):
					fmt.Fprintf(out, "EMPTY   %s\n", t)
				case err != nil:
					return fmt.Errorf("failed to archive %s: %w", t, err)
				case !created:
					fmt.Fprintf(out, "SKIPPED %s  unchanged since last archive\n", t)
				default:
					fmt.Fprintf(out, "ARCHIVED %s  entries=%d  manifest=%s\n", t, res.Manifest.Entries, res.ManifestPath)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d chains broken, not archived", errVerificationFailed, failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "archive this tenant")
	cmd.Flags().BoolVar(&all, "all", false, "archive every tenant")
	cmd.Flags().BoolVar(&ifChanged, "if-changed", false, "skip tenants whose chain tip is already archived")
	return cmd
}

func newArchiveListCmd(a *app) *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's archive manifests, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			objects, err := a.objects()
			if err != nil {
				return err
			}
			manifests, err := export.ListArchives(cmd.Context(), objects, cfg.Archive.Prefix, tenantID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(manifests) == 0 {
				fmt.Fprintf(out, "No archives for %s.\n", tenantID)
			}
			for _, m := range manifests {
				fmt.Fprintln(out, m)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant ID (required)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newArchiveVerifyCmd(a *app) *cobra.Command {
	var (
		publicKeyFile string
		asJSON        bool
	)
	cmd := &cobra.Command{
		Use:   "verify <manifest-path>",
		Short: "Check an archive against its manifest and signature",
		Long: `Recompute the archived entries' SHA-256 and chain, compare them with the
manifest, and check the manifest's OpenPGP signature when --public-key is given.
Only archive storage is read; the database is not needed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var publicKey string
			if publicKeyFile != "" {
				raw, err := os.ReadFile(publicKeyFile) // #nosec G304 -- operator-supplied path
				if err != nil {
					return fmt.Errorf("failed to read public key: %w", err)
				}
				publicKey = string(raw)
			}
			objects, err := a.objects()
			if err != nil {
				return err
			}

			report, err := export.VerifyArchive(cmd.Context(), objects, args[0], publicKey)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, report); err != nil {
					return err
				}
			} else {
				status := "VALID"
				if !report.Valid() {
					status = "INVALID"
				}
				fmt.Fprintf(out, "%s  %s  tenant=%s  entries=%d\n", status, args[0], report.Manifest.TenantID, report.Manifest.Entries)
				switch {
				case report.SignatureValid:
					fmt.Fprintln(out, "  signature: valid")
				case report.SignaturePresent && !report.SignatureChecked:
					fmt.Fprintln(out, "  signature: present, not checked (no --public-key)")
				case !report.SignaturePresent:
					fmt.Fprintln(out, "  signature: none")
				}
				for _, p := range report.Problems {
					fmt.Fprintf(out, "  problem: %s\n", p)
				}
			}
			if !report.Valid() {
				return fmt.Errorf("%w: %d problems", errVerificationFailed, len(report.Problems))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&publicKeyFile, "public-key", "", "armored OpenPGP public key to check the manifest signature with")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

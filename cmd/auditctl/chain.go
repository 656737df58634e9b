package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bizsuite/auditchain/internal/chain"
	"github.com/bizsuite/auditchain/internal/export"
)

// errVerificationFailed is returned when a check found tampering, so the exit
// status reflects the result.
var errVerificationFailed = errors.New("verification failed")

// ============================================================================
// verify
// ============================================================================

func newVerifyCmd(a *app) *cobra.Command {
	var (
		tenantID string
		file     string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify tenant chains from genesis",
		Long: `Walk every tenant chain (or one with --tenant), recomputing each entry's
hash and checking its link to the previous entry.

With --file, verify a jsonl export offline instead of the database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var results []*chain.ChainResult
			if file != "" {
				r, err := verifyFile(file, tenantID)
				if err != nil {
					return err
				}
				results = append(results, r)
			} else {
				store, err := a.store(cmd.Context())
				if err != nil {
					return err
				}
				verifier := chain.NewVerifier(store)
				if tenantID != "" {
					r, err := verifier.VerifyChain(cmd.Context(), tenantID)
					if err != nil {
						return err
					}
					results = append(results, r)
				} else {
					tenants, err := store.Tenants(cmd.Context())
					if err != nil {
						return err
					}
					for _, t := range tenants {
						r, err := verifier.VerifyChain(cmd.Context(), t)
						if err != nil {
							return err
						}
						results = append(results, r)
					}
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, results); err != nil {
					return err
				}
			} else {
				if len(results) == 0 {
					fmt.Fprintln(out, "No tenant chains found.")
				}
				for _, r := range results {
					printChainResult(out, r)
				}
			}

			broken := 0
			for _, r := range results {
				if !r.Valid {
					broken++
				}
			}
			if broken > 0 {
				return fmt.Errorf("%w: %d of %d chains broken", errVerificationFailed, broken, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "verify only this tenant")
	cmd.Flags().StringVar(&file, "file", "", "verify a jsonl export instead of the database")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

// verifyFile checks a jsonl export. The tenant defaults to that of the first
// entry; an empty file is a valid, empty chain.
func verifyFile(path, tenantID string) (*chain.ChainResult, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var checker *chain.Checker
	err = export.ReadJSONL(f, func(e *chain.Entry) error {
		if checker == nil {
			if tenantID == "" {
				tenantID = e.TenantID
			}
			checker = chain.NewChecker(tenantID, true)
		}
		checker.Check(e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if checker == nil {
		checker = chain.NewChecker(tenantID, true)
	}
	return checker.Result(), nil
}

func printChainResult(w io.Writer, r *chain.ChainResult) {
	if r.Valid {
		fmt.Fprintf(w, "VALID   %s  entries=%d  tip=%s\n", r.TenantID, r.EntriesChecked, r.LastHash)
		return
	}
	fmt.Fprintf(w, "BROKEN  %s  index=%d  reason=%s\n", r.TenantID, r.BrokenIndex, r.Reason)
	if r.BrokenAt != nil {
		fmt.Fprintf(w, "        seq=%d  hash=%s\n", r.BrokenAt.Seq, r.BrokenAt.Hash)
	}
	if r.ExpectedHash != "" || r.ActualHash != "" {
		fmt.Fprintf(w, "        expected=%s  actual=%s\n", r.ExpectedHash, r.ActualHash)
	}
}

// ============================================================================
// show
// ============================================================================

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <hash>",
		Short: "Print one entry and verify its hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			result, err := chain.NewVerifier(store).VerifyEntry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.Valid {
				return fmt.Errorf("%w: entry %s: %s", errVerificationFailed, args[0], result.Reason)
			}
			return nil
		},
	}
}

// ============================================================================
// list
// ============================================================================

func newListCmd(a *app) *cobra.Command {
	var opts chain.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			opts.Limit = chain.NormalizeLimit(opts.Limit)
			entries, err := store.List(cmd.Context(), opts)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tCREATED\tACTION\tENTITY\tENTITY ID\tHASH")
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					e.Seq, e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), e.Action, e.Entity, e.EntityID, e.Hash)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant ID (required)")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "only entries of this entity type")
	cmd.Flags().StringVar(&opts.EntityID, "entity-id", "", "only entries of this entity")
	cmd.Flags().IntVar(&opts.Limit, "limit", chain.DefaultListLimit, "maximum entries to print")
	cmd.Flags().Int64Var(&opts.BeforeSeq, "before", 0, "only entries with a lower seq")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// ============================================================================
// export
// ============================================================================

func newExportCmd(a *app) *cobra.Command {
	var (
		tenantID string
		format   string
		output   string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a tenant chain from genesis to a file or stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			store, err := a.store(cmd.Context())
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				file, err := os.Create(output) // #nosec G304 -- operator-supplied path
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}

			n, err := export.WriteChain(cmd.Context(), store, tenantID, w, f)
			if err != nil {
				return err
			}
			if output != "" && output != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d entries of %s to %s\n", n, tenantID, output)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant ID (required)")
	cmd.Flags().StringVar(&format, "format", string(export.FormatJSONL), "jsonl, json or csv")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// ============================================================================
// tenants
// ============================================================================

func newTenantsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tenants",
		Short: "List tenants with their entry counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := store.TenantStats(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TENANT\tENTRIES\tLAST SEQ")
			for _, s := range stats {
				fmt.Fprintf(tw, "%s\t%d\t%d\n", s.TenantID, s.Entries, s.LastSeq)
			}
			return tw.Flush()
		},
	}
}

// ============================================================================
// hash
// ============================================================================

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash [file]",
		Short: "Recompute the hash of jsonl entries",
		Long: `Read entries as jsonl from file (or stdin) and print the hash each one's
fields produce. When an entry carries a hash, it is compared: "ok" or
"MISMATCH". A missing prev_hash is taken to be the genesis hash.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0]) // #nosec G304 -- operator-supplied path
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			out := cmd.OutOrStdout()
			mismatches := 0
			err := export.ReadJSONL(in, func(e *chain.Entry) error {
				if e.PrevHash == "" {
					e.PrevHash = chain.GenesisHash
				}
				sum, err := chain.ComputeHash(e.Fact())
				if err != nil {
					return err
				}
				status := "-"
				switch {
				case e.Hash == "":
				case e.Hash == sum:
					status = "ok"
				default:
					status = "MISMATCH"
					mismatches++
				}
				fmt.Fprintf(out, "%s  %s\n", sum, status)
				return nil
			})
			if err != nil {
				return err
			}
			if mismatches > 0 {
				return fmt.Errorf("%w: %d hash mismatches", errVerificationFailed, mismatches)
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/curio/internal/queue"
	"github.com/kiranshivaraju/curio/pkg/models"
)

const triggeredBy = "curioctl"

func newRootCmd(open opener, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "curioctl",
		Short:         "Operate the curio job queues",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.AddCommand(
		newGenerateCmd(open),
		newEmbedCmd(open),
		newEnrichCmd(open),
		newJobCmd(open),
		newSweepCmd(open),
	)
	return root
}

// --- generate ---

func newGenerateCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Enqueue curated collection generation for a surface",
		Long: `Enqueue curated collection generation for a surface.

Examples:
  curioctl generate --surface home
  curioctl generate --surface home --date 2026-12-04 --count 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			surface, _ := cmd.Flags().GetString("surface")
			date, _ := cmd.Flags().GetString("date")
			count, _ := cmd.Flags().GetInt("count")
			perCollection, _ := cmd.Flags().GetInt("per-collection")

			if surface == "" {
				return errors.New("--surface is required")
			}

			op, cfg, closeFn, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			if date == "" {
				loc, err := cfg.Jobs.Location()
				if err != nil {
					return err
				}
				date = time.Now().In(loc).Format(time.DateOnly)
			}
			if count == 0 {
				count = cfg.Jobs.CollectionsCount
			}
			if perCollection == 0 {
				perCollection = cfg.Jobs.ProductsPerCollection
			}

			return enqueue(cmd, op, models.CollectionGenerationPayload{
				Meta:                  models.NewMeta(triggeredBy),
				Surface:               surface,
				TargetDate:            date,
				CollectionsCount:      count,
				ProductsPerCollection: perCollection,
			})
		},
	}
	cmd.Flags().String("surface", "", "surface to generate for")
	cmd.Flags().String("date", "", "target date (YYYY-MM-DD), default today in the configured timezone")
	cmd.Flags().Int("count", 0, "collections to create")
	cmd.Flags().Int("per-collection", 0, "products per collection")
	return cmd
}

// --- embed ---

func newEmbedCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Enqueue embedding jobs",
	}

	product := &cobra.Command{
		Use:   "product <id>",
		Short: "Enqueue a product embedding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid product id: %w", err)
			}
			force, _ := cmd.Flags().GetBool("force")

			op, _, closeFn, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			return enqueue(cmd, op, models.ProductEmbeddingPayload{
				Meta:      models.NewMeta(triggeredBy),
				ProductID: id,
				Force:     force,
			})
		},
	}
	product.Flags().Bool("force", false, "re-embed even when the content is unchanged")

	profile := &cobra.Command{
		Use:   "profile <id>",
		Short: "Enqueue a profile embedding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid profile id: %w", err)
			}
			force, _ := cmd.Flags().GetBool("force")

			op, _, closeFn, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			return enqueue(cmd, op, models.ProfileEmbeddingPayload{
				Meta:      models.NewMeta(triggeredBy),
				ProfileID: id,
				Force:     force,
			})
		},
	}
	profile.Flags().Bool("force", false, "re-embed even when the content is unchanged")

	cmd.AddCommand(product, profile)
	return cmd
}

// --- enrich ---

func newEnrichCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enrich <product-id>",
		Short: "Enqueue product enrichment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid product id: %w", err)
			}
			version, _ := cmd.Flags().GetInt("version")

			op, cfg, closeFn, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			if version == 0 {
				version = cfg.Jobs.EnrichmentVersion
			}
			return enqueue(cmd, op, models.ProductEnrichmentPayload{
				Meta:      models.NewMeta(triggeredBy),
				ProductID: id,
				Version:   version,
			})
		},
	}
	cmd.Flags().Int("version", 0, "enrichment version to produce, default the configured one")
	return cmd
}

// --- job ---

func newJobCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Show a job record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}

			op, _, closeFn, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			rec, err := op.Job(cmd.Context(), id)
			if errors.Is(err, queue.ErrNotFound) {
				return fmt.Errorf("job %s not found", id)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}

// --- sweep ---

func newSweepCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Requeue expired leases and purge finished jobs past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			op, _, closeFn, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			requeued, purged, err := op.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d, purged %d\n", requeued, purged)
			return nil
		},
	}
}

func enqueue(cmd *cobra.Command, op Operator, p models.JobPayload) error {
	rec, created, err := op.Enqueue(cmd.Context(), p)
	if err != nil {
		return err
	}
	state := "queued"
	if !created {
		state = "already active"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s (%s)\n", state, rec.Kind, rec.ID, rec.IdempotencyKey)
	return nil
}

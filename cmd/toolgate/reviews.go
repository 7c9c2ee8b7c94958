package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolgate/internal/approval"
)

var reviewer string

var reviewsCmd = &cobra.Command{
	Use:   "reviews",
	Short: "Inspect and resolve human review requests",
}

var reviewsGetCmd = &cobra.Command{
	Use:   "get <review-id>",
	Short: "Show a review request",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withReviews(func(ctx context.Context, m *approval.DBManager) error {
			pa, err := m.Get(ctx, args[0])
			if err != nil {
				return reviewErr(args[0], err)
			}
			return printJSON(pa)
		})
	},
}

var reviewsApproveCmd = &cobra.Command{
	Use:   "approve <review-id>",
	Short: "Approve a pending review",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return resolve(args[0], (*approval.DBManager).Approve)
	},
}

var reviewsDenyCmd = &cobra.Command{
	Use:   "deny <review-id>",
	Short: "Deny a pending review",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return resolve(args[0], (*approval.DBManager).Deny)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{reviewsApproveCmd, reviewsDenyCmd} {
		cmd.Flags().StringVar(&reviewer, "by", "", "reviewer id (required)")
		_ = cmd.MarkFlagRequired("by")
	}
	reviewsCmd.AddCommand(reviewsGetCmd, reviewsApproveCmd, reviewsDenyCmd)
}

func resolve(id string, fn func(*approval.DBManager, context.Context, string, string) error) error {
	return withReviews(func(ctx context.Context, m *approval.DBManager) error {
		if err := fn(m, ctx, id, reviewer); err != nil {
			return reviewErr(id, err)
		}
		pa, err := m.Get(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(pa)
	})
}

// withReviews opens the store and runs fn against its review table.
func withReviews(fn func(context.Context, *approval.DBManager) error) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()
	return fn(ctx, approval.NewDBManager(store.Reviews(), cfg.Policy.ReviewTTL(), logger))
}

func reviewErr(id string, err error) error {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return fmt.Errorf("review %s not found", id)
	case errors.Is(err, approval.ErrExpired):
		return fmt.Errorf("review %s has expired", id)
	case errors.Is(err, approval.ErrAlreadyResolved):
		return fmt.Errorf("review %s is already resolved", id)
	}
	return err
}

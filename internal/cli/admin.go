package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/getcharzp/go-cutout/internal/ledger"
	"github.com/getcharzp/go-cutout/internal/quota"
	"github.com/getcharzp/go-cutout/internal/store"
	"github.com/spf13/cobra"
)

var (
	profileEmail string
	profilePlan  string
	profileAdmin bool
	historyLimit int
	usageMonth   string
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
}

var apikeyIssueCmd = &cobra.Command{
	Use:   "issue <user-id>",
	Short: "Issue a new API key for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.BoltStore) error {
			token, err := st.IssueAPIKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		})
	},
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke <token>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.BoltStore) error {
			return st.RevokeAPIKey(cmd.Context(), args[0])
		})
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage user profiles",
}

var profileSetCmd = &cobra.Command{
	Use:   "set <user-id>",
	Short: "Create or update a user profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.BoltStore) error {
			p := store.Profile{
				UserID:  args[0],
				Email:   profileEmail,
				Plan:    profilePlan,
				IsAdmin: profileAdmin,
			}
			if old, err := st.GetProfile(cmd.Context(), args[0]); err == nil {
				p.CreatedAt = old.CreatedAt
			}
			return st.PutProfile(cmd.Context(), p)
		})
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show a profile and its quota usage for the current month",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.BoltStore) error {
			ctx := cmd.Context()
			p, err := st.GetProfile(ctx, args[0])
			if err != nil {
				return err
			}
			gate := quota.NewGate(st, cfg.Quota.FreeMonthlyLimit, cfg.Quota.PaidPlans)
			ent := gate.Entitlement(p)
			used, err := st.CountRecords(ctx, p.UserID, store.OperationBackgroundRemoval, quota.MonthStart(time.Now()))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "user\t%s\n", p.UserID)
			fmt.Fprintf(w, "email\t%s\n", p.Email)
			fmt.Fprintf(w, "plan\t%s\n", ent.PlanName())
			fmt.Fprintf(w, "admin\t%t\n", p.IsAdmin)
			if ent.Exempt() {
				fmt.Fprintf(w, "this month\t%d (unlimited)\n", used)
			} else {
				fmt.Fprintf(w, "this month\t%d / %d\n", used, gate.Limit())
			}
			fmt.Fprintf(w, "created\t%s\n", humanize.Time(p.CreatedAt))
			return w.Flush()
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "List a user's most recent processed images",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.BoltStore) error {
			records, err := st.ListRecords(cmd.Context(), args[0], historyLimit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tSIZE\tDIMENSIONS\tPATH")
			for _, r := range records {
				d := r.Metadata.OriginalDimensions
				fmt.Fprintf(w, "%s\t%s\t%s\t%dx%d\t%s\n",
					r.ID, humanize.Time(r.CreatedAt), humanize.Bytes(uint64(r.FileSize)), d.Width, d.Height, r.Metadata.StoragePath)
			}
			return w.Flush()
		})
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage <user-id>",
	Short: "Show a user's monthly usage from the redis ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Redis.Enabled {
			return fmt.Errorf("redis is not enabled")
		}
		month := time.Now().UTC()
		if usageMonth != "" {
			var err error
			month, err = time.Parse("2006-01", usageMonth)
			if err != nil {
				return fmt.Errorf("invalid month %q, want YYYY-MM", usageMonth)
			}
		}

		l := ledger.New(ledger.Options{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		defer l.Close()

		s, err := l.Summary(cmd.Context(), args[0], month)
		if err != nil {
			return err
		}
		avg := int64(0)
		if s.Calls > 0 {
			avg = s.TotalMS / s.Calls
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s calls, %s failures, %s credits, avg %dms\n",
			args[0], month.Format("2006-01"),
			humanize.Comma(s.Calls), humanize.Comma(s.Failures), humanize.Comma(s.Credits), avg)
		return nil
	},
}

func init() {
	profileSetCmd.Flags().StringVar(&profileEmail, "email", "", "email address")
	profileSetCmd.Flags().StringVar(&profilePlan, "plan", "", "subscription plan (empty is free)")
	profileSetCmd.Flags().BoolVar(&profileAdmin, "admin", false, "exempt from quota")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of records")
	usageCmd.Flags().StringVar(&usageMonth, "month", "", "month as YYYY-MM (default is the current month)")

	apikeyCmd.AddCommand(apikeyIssueCmd, apikeyRevokeCmd)
	profileCmd.AddCommand(profileSetCmd, profileShowCmd)
	rootCmd.AddCommand(apikeyCmd, profileCmd, historyCmd, usageCmd)
}

func withStore(fn func(st *store.BoltStore) error) error {
	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

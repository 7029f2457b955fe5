package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"osmcache/internal/app"
	"osmcache/internal/config"
	"osmcache/internal/database"
	"osmcache/internal/migration"
	"osmcache/internal/model"
	"osmcache/internal/syncer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newApp loads the configuration and assembles the client. Opening it runs
// any pending legacy migration. The caller must defer app.Close().
func newApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing client: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:   "osmcache",
	Short: "Offline cache of Online Scout Manager data",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelError
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))
	},
	SilenceUsage: true,
}

var importLegacyCmd = &cobra.Command{
	Use:   "import-legacy FILE",
	Short: "Load a legacy key-value export into the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		db, err := database.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer db.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening export: %w", err)
		}
		defer f.Close()

		n, err := migration.ImportLegacy(cmd.Context(), db, f)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d legacy keys. Run \"osmcache migrate\" to migrate them.\n", n)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate legacy data and show phase progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		phases, err := a.Migration.Status(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PHASE\tSTATE\tERROR")
		for _, p := range phases {
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.Phase, p.State, p.Error)
		}
		return w.Flush()
	},
}

var loginCmd = &cobra.Command{
	Use:   "login CALLBACK_URL",
	Short: "Complete a login from the URL OSM redirected to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		state, _, err := a.CompleteLogin(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("login failed (state %s): %w", state, err)
		}
		fmt.Printf("Logged in, state: %s\n", state)
		return nil
	},
}

var loginURLCmd = &cobra.Command{
	Use:   "login-url",
	Short: "Print the OSM authorization URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		authURL, _, err := a.Login.AuthURL(cmd.Context(), a.Config.OAuthRedirectURI)
		if err != nil {
			return err
		}
		fmt.Println(authURL)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Auth.Logout(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Logged out, state: %s\n", a.Auth.State())
		return nil
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock",
	Short: "Retry OSM after it blocked this client",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		state, err := a.Auth.Unblock(cmd.Context())
		if err != nil {
			return fmt.Errorf("still blocked (state %s): %w", state, err)
		}
		fmt.Printf("State: %s\n", state)
		return nil
	},
}

var reconnectCmd = &cobra.Command{
	Use:   "reconnect",
	Short: "Retry OSM after a network failure left the client offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		state, err := a.Auth.Reconnect(cmd.Context())
		if err != nil {
			return fmt.Errorf("still offline (state %s): %w", state, err)
		}
		fmt.Printf("State: %s\n", state)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync [DATASET]",
	Short: "Refresh every dataset, or one",
	Long:  "Refresh every dataset, or one of: " + strings.Join(syncer.Datasets, ", "),
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		partition, _ := cmd.Flags().GetString("partition")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		var res syncer.Result
		if len(args) == 0 {
			res, err = a.Sync.SyncAll(cmd.Context())
		} else {
			res, err = a.Sync.RefreshDataset(cmd.Context(), args[0], partition)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DATASET\tPARTITION\tRESULT\tROWS\tERROR")
		for _, d := range res.Datasets {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", d.Dataset, d.Partition, d.Result, d.Rows, d.Error)
		}
		w.Flush()

		fmt.Printf("\nOutcome: %s\n", res.Outcome)
		if res.Reason != "" {
			fmt.Printf("Reason: %s\n", res.Reason)
		}
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show auth state and sync progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.Status(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("State:    %s\n", status.Auth.State)
		if status.Auth.Message != "" {
			fmt.Printf("          %s\n", status.Auth.Message)
		}
		if status.Auth.HasToken {
			fmt.Printf("Expires:  %s\n", time.UnixMilli(status.Auth.ExpiresAtEpochMs).Format(time.RFC3339))
		}
		fmt.Printf("Blocked:  %v\n", status.Auth.Blocked)
		if status.Auth.LastError != "" {
			fmt.Printf("Error:    %s\n", status.Auth.LastError)
		}
		fmt.Printf("Requests: %d of %d remaining\n", status.RateLimit.Remaining, status.RateLimit.Limit)

		if len(status.LastSync) == 0 {
			fmt.Println("\nNever synced.")
			return nil
		}
		sort.Slice(status.LastSync, func(i, j int) bool { return status.LastSync[i].Dataset < status.LastSync[j].Dataset })
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "\nDATASET\tLAST SYNC")
		for _, ls := range status.LastSync {
			fmt.Fprintf(w, "%s\t%s\n", ls.Dataset, time.UnixMilli(ls.EpochMs).Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Project section sizes over the coming terms",
	RunE: func(cmd *cobra.Command, args []string) error {
		terms, _ := cmd.Flags().GetInt("terms")
		todayStr, _ := cmd.Flags().GetString("today")

		today, err := model.ParseDate(todayStr)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.Project(cmd.Context(), terms, today)
		if err != nil {
			return err
		}
		if len(p.Terms) == 0 {
			fmt.Printf("No terms start after %s.\n", p.Today)
			return nil
		}

		for _, tp := range p.Terms {
			fmt.Printf("%s (from %s)\n", tp.Term.Label, tp.Term.StartDate)

			ids := make([]string, 0, len(tp.SectionSummaries))
			for id := range tp.SectionSummaries {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SECTION\tCURRENT\tOUT\tIN\tPROJECTED")
			for _, id := range ids {
				s := tp.SectionSummaries[id]
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", s.SectionName, s.CurrentCount, len(s.OutgoingMovers), len(s.IncomingMovers), s.ProjectedCount)
			}
			w.Flush()
			if len(tp.Unassigned) > 0 {
				fmt.Printf("%d mover(s) with an unknown target section\n", len(tp.Unassigned))
			}
			fmt.Println()
		}
		return nil
	},
}

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Delete every cached dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Sync.ClearCache(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Cache cleared, state: %s\n", a.Auth.Evaluate("cache_cleared"))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output to stderr")

	rootCmd.AddCommand(importLegacyCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(loginURLCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(unblockCmd)
	rootCmd.AddCommand(reconnectCmd)
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().StringP("partition", "p", "", "Section id, or event id for attendance")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(projectCmd)
	projectCmd.Flags().IntP("terms", "n", 3, "Number of future terms (1-6)")
	projectCmd.Flags().String("today", "", "Project from this date (YYYY-MM-DD) instead of today")
	rootCmd.AddCommand(clearCacheCmd)
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"quotawarden/internal/admin"
	"quotawarden/internal/app"
	"quotawarden/internal/config"
	"quotawarden/internal/export"
	"quotawarden/internal/observability"
	"quotawarden/internal/opstore"
	"quotawarden/internal/policy"
)

type cli struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "quotactl",
		Short:         "Inspect and manage proxy accounts, quotas and payments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "C", os.Getenv("QW_CONFIG"), "Path to a YAML or TOML configuration file")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Log at debug level")

	root.AddCommand(
		c.usersCmd(),
		c.statsCmd(),
		c.historyCmd(),
		c.toggleCmd(),
		c.payCmd(),
		c.resetCmd(),
		c.enforceCmd(),
		c.renewCmd(),
		c.exportCmd(),
	)
	return root
}

// open builds the full application; commands log to stderr so tables on
// stdout stay clean.
func (c *cli) open(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	level := "warn"
	if c.verbose {
		level = "debug"
	}
	logger := observability.NewLogger(level, "text", os.Stderr)
	return app.New(ctx, cfg, logger)
}

func (c *cli) withApp(fn func(ctx context.Context, a *app.App, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := c.open(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, cmd, args)
	}
}

func gib(b uint64) string {
	return fmt.Sprintf("%.2f", float64(b)/float64(policy.GiB))
}

func (c *cli) usersCmd() *cobra.Command {
	var folder string
	cmd := &cobra.Command{
		Use:   "users",
		Short: "List accounts with usage, expiry and payment state",
		RunE: c.withApp(func(ctx context.Context, a *app.App, _ *cobra.Command, _ []string) error {
			listing, err := a.Admin.List(ctx)
			if err != nil {
				return err
			}
			if listing.Unavailable {
				pterm.Warning.Println("engine database is not available")
				return nil
			}
			for _, s := range listing.Skipped {
				pterm.Warning.Printfln("inbound %d skipped: %s", s.InboundID, s.Error)
			}

			data := pterm.TableData{{"Account", "Status", "Used / Quota (GiB)", "Expiry", "Online", "Payment", "Folder"}}
			for _, v := range listing.Accounts {
				if folder != "" && v.Folder != folder {
					continue
				}
				status := pterm.FgGreen.Sprint("active")
				if !v.Enabled {
					status = pterm.FgRed.Sprint("passive")
				}
				quota := "unlimited"
				if v.QuotaBytes > 0 {
					quota = gib(v.QuotaBytes)
				}
				expiry := "never"
				if !v.ExpiryDate.IsZero() {
					expiry = v.ExpiryDate.String()
				}
				data = append(data, []string{
					v.Key, status, gib(v.UsedBytes) + " / " + quota, expiry, v.LastSeen, string(v.PaymentStatus), v.Folder,
				})
			}
			return pterm.DefaultTable.
				WithHasHeader().
				WithBoxed().
				WithHeaderStyle(pterm.NewStyle(pterm.FgLightCyan)).
				WithData(data).
				Render()
		}),
	}
	cmd.Flags().StringVar(&folder, "folder", "", "Only show accounts in this folder")
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show fleet totals and pending notifications",
		RunE: c.withApp(func(ctx context.Context, a *app.App, _ *cobra.Command, _ []string) error {
			stats, err := a.Admin.Stats(ctx)
			if err != nil {
				return err
			}
			if err := pterm.DefaultTable.WithData(pterm.TableData{
				{"Total", strconv.Itoa(stats.Total)},
				{"Active", strconv.Itoa(stats.Active)},
				{"Passive", strconv.Itoa(stats.Passive)},
				{"Online", strconv.Itoa(stats.Online)},
				{"Overdue", strconv.Itoa(stats.Overdue)},
				{"Lifetime usage (GiB)", gib(stats.LifetimeBytes)},
			}).Render(); err != nil {
				return err
			}

			notes, err := a.Admin.Notifications(ctx)
			if err != nil {
				return err
			}
			for _, n := range notes {
				switch n.Priority {
				case admin.PriorityHigh:
					pterm.Error.Printfln("%s: %s", n.Account, n.Message)
				case admin.PriorityMedium:
					pterm.Warning.Printfln("%s: %s", n.Account, n.Message)
				default:
					pterm.Info.Printfln("%s: %s", n.Account, n.Message)
				}
			}
			return nil
		}),
	}
}

func (c *cli) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <email>",
		Short: "Show payments and quota resets for an account",
		Args:  cobra.ExactArgs(1),
		RunE: c.withApp(func(ctx context.Context, a *app.App, _ *cobra.Command, args []string) error {
			payments, err := a.Admin.PaymentHistory(ctx, args[0])
			if err != nil {
				return err
			}
			pterm.DefaultSection.Println("Payments")
			data := pterm.TableData{{"Date", "Amount", "Method", "Notes"}}
			for _, p := range payments {
				data = append(data, []string{p.PaymentDate.String(), fmt.Sprintf("%.2f", p.Amount), p.Method, p.Notes})
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
				return err
			}

			resets, err := a.Billing.ListResetLog(ctx, args[0])
			if err != nil {
				return err
			}
			pterm.DefaultSection.Println("Quota resets")
			data = pterm.TableData{{"When", "Type", "Archived (GiB)"}}
			for _, r := range resets {
				data = append(data, []string{r.ResetAt.Format(time.DateTime), string(r.ResetType), gib(r.ArchivedBytes)})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		}),
	}
}

func (c *cli) toggleCmd() *cobra.Command {
	var enable, disable bool
	cmd := &cobra.Command{
		Use:   "toggle <email>",
		Short: "Flip, or with --on/--off set, an account's enabled state",
		Args:  cobra.ExactArgs(1),
		RunE: c.withApp(func(ctx context.Context, a *app.App, _ *cobra.Command, args []string) error {
			var (
				state bool
				err   error
			)
			switch {
			case enable && disable:
				return fmt.Errorf("--on and --off are mutually exclusive")
			case enable || disable:
				state = enable
				err = a.Admin.SetEnabled(ctx, args[0], state)
			default:
				state, err = a.Admin.Toggle(ctx, args[0])
			}
			if err != nil {
				return err
			}
			pterm.Success.Printfln("%s is now %s", args[0], map[bool]string{true: "enabled", false: "disabled"}[state])
			return nil
		}),
	}
	cmd.Flags().BoolVar(&enable, "on", false, "Enable the account")
	cmd.Flags().BoolVar(&disable, "off", false, "Disable the account")
	return cmd
}

func (c *cli) payCmd() *cobra.Command {
	var in admin.PaymentInput
	cmd := &cobra.Command{
		Use:   "pay <email> <amount>",
		Short: "Record a payment and start a new billing cycle",
		Args:  cobra.ExactArgs(2),
		RunE: c.withApp(func(ctx context.Context, a *app.App, _ *cobra.Command, args []string) error {
			amount, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			in.Key, in.Amount = args[0], amount
			res, err := a.Admin.RecordPayment(ctx, in)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("payment recorded, next due %s", res.Record.NextPaymentDate)
			if !res.Applied {
				pterm.Warning.Println("account not found in the engine; usage was not reset")
			} else if res.Enabled {
				pterm.Info.Printfln("%s re-enabled", in.Key)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&in.Date, "date", "", "Payment date (YYYY-MM-DD), default today")
	cmd.Flags().StringVar(&in.Method, "method", "", "Payment method")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "Free-form notes")
	return cmd
}

func (c *cli) resetCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "reset <email>",
		Short: "Archive current usage into the lifetime total and clear the counters",
		Args:  cobra.ExactArgs(1),
		RunE: c.withApp(func(ctx context.Context, a *app.App, _ *cobra.Command, args []string) error {
			var m *opstore.ResetMode
			if mode != "" {
				parsed, err := opstore.ParseResetMode(mode)
				if err != nil {
					return err
				}
				m = &parsed
			}
			archived, err := a.Admin.ResetUsage(ctx, args[0], m)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("archived %s GiB for %s", gib(archived), args[0])
			return nil
		}),
	}
	cmd.Flags().StringVar(&mode, "mode", "", "zero or purge (default from config)")
	return cmd
}

func (c *cli) enforceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enforce",
		Short: "Run one enforcement pass now",
		RunE: c.withApp(func(ctx context.Context, a *app.App, _ *cobra.Command, _ []string) error {
			spinner, _ := pterm.DefaultSpinner.Start("checking accounts")
			report, err := a.Enforcement.Run(ctx)
			if err != nil {
				spinner.Fail(err.Error())
				return err
			}
			if report.Unavailable {
				spinner.Warning("engine database is not available")
				return nil
			}
			spinner.Success(fmt.Sprintf("scanned %d, disabled %d (quota %d, expiry %d, mirror %d)",
				report.Scanned, report.Disabled, report.QuotaViolations, report.ExpiryViolations, report.MirrorsRepaired))
			return nil
		}),
	}
}

func (c *cli) renewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "renew",
		Short: "Roll over billing cycles due today",
		RunE: c.withApp(func(ctx context.Context, a *app.App, _ *cobra.Command, _ []string) error {
			report, err := a.Renewal.Run(ctx)
			for _, key := range report.Renewed {
				pterm.Success.Printfln("renewed %s", key)
			}
			for _, key := range report.Disabled {
				pterm.Warning.Printfln("disabled %s (unpaid)", key)
			}
			for _, key := range report.Failed {
				pterm.Error.Printfln("failed %s", key)
			}
			if report.Unavailable {
				pterm.Warning.Println("engine database is not available")
			}
			return err
		}),
	}
}

func (c *cli) exportCmd() *cobra.Command {
	var (
		format string
		dir    string
		upload bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the account report as xlsx, pdf or csv",
		RunE: c.withApp(func(ctx context.Context, a *app.App, _ *cobra.Command, _ []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			listing, err := a.Admin.List(ctx)
			if err != nil {
				return err
			}
			now := time.Now()

			if upload {
				if a.Uploader == nil {
					return fmt.Errorf("object_store.url is not configured")
				}
				if err := a.Uploader.EnsureBucket(ctx); err != nil {
					return err
				}
				key, err := a.Uploader.Upload(ctx, f, listing.Accounts, now)
				if err != nil {
					return err
				}
				pterm.Success.Printfln("uploaded %s", key)
				return nil
			}

			path := filepath.Join(dir, export.Filename(f, now))
			out, err := os.Create(path)
			if err != nil {
				return err
			}
			if err := export.Write(out, f, listing.Accounts); err != nil {
				_ = out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
			pterm.Success.Printfln("wrote %s (%d accounts)", path, len(listing.Accounts))
			return nil
		}),
	}
	cmd.Flags().StringVarP(&format, "format", "f", "xlsx", "xlsx, pdf or csv")
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "Directory for the report file")
	cmd.Flags().BoolVar(&upload, "upload", false, "Upload to the configured bucket instead of writing a file")
	return cmd
}

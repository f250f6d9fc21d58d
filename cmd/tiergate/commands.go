package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rcourtman/tiergate/pkg/licensing"
)

type appLoader func() (*app, error)

var readPassword = term.ReadPassword

// getPassword returns the password from TIERGATE_PASSWORD or prompts for it
// without echo.
func getPassword(cmd *cobra.Command, prompt string) (string, error) {
	if pass := os.Getenv("TIERGATE_PASSWORD"); pass != "" {
		return pass, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	raw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(raw), nil
}

func newLoginCmd(load appLoader) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session token",
		Example: `  tiergate login --email you@example.com

  # Non-interactive
  TIERGATE_PASSWORD=secret tiergate login --email you@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.close()

			password, err := getPassword(cmd, "Password: ")
			if err != nil {
				return err
			}
			if err := a.session.Login(cmd.Context(), email, password); err != nil {
				return fmt.Errorf("incorrect email or password")
			}
			user, err := a.currentUser()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s), plan: %s\n", user.Name, user.Email, planLabel(user))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newSignupCmd(load appLoader) *cobra.Command {
	var name, email string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.close()

			password, err := getPassword(cmd, "Choose a password: ")
			if err != nil {
				return err
			}
			if err := a.session.Signup(cmd.Context(), name, email, password); err != nil {
				return fmt.Errorf("registration failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Account created. Run `tiergate login` to sign in.")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "account email")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCmd(load appLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.close()

			a.session.Logout()
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func newWhoamiCmd(load appLoader) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user and usage counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.close()
			a.start(cmd.Context())

			user, err := a.currentUser()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(user)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Name:\t%s\n", user.Name)
			fmt.Fprintf(w, "Email:\t%s\n", user.Email)
			fmt.Fprintf(w, "ID:\t%s\n", user.ID)
			fmt.Fprintf(w, "Plan:\t%s\n", planLabel(user))
			fmt.Fprintf(w, "Searches:\t%d\n", user.SearchCount)
			fmt.Fprintf(w, "Competitor analyses:\t%d\n", user.CompetitorAnalysisCount)
			fmt.Fprintf(w, "Exports:\t%d\n", user.ExportCount)
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the user record as JSON")
	return cmd
}

func newCheckCmd(load appLoader) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check [feature...]",
		Short: "Report whether each feature is allowed right now",
		Long:  `Check re-validates the subscription with the identity service and evaluates each feature. With no arguments every feature is checked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			features := toFeatures(args)
			a, err := load()
			if err != nil {
				return err
			}
			defer a.close()
			a.start(cmd.Context())

			decisions := a.engine.CheckAll(cmd.Context(), features...)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(decisions)
			}
			return printDecisions(cmd.OutOrStdout(), decisions)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print decisions as JSON")
	return cmd
}

func newUseCmd(load appLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "use <feature>",
		Short: "Check a feature and record one use of it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feature, ok := licensing.ParseFeature(args[0])
			if !ok {
				return fmt.Errorf("unknown feature %q", args[0])
			}
			a, err := load()
			if err != nil {
				return err
			}
			defer a.close()
			a.start(cmd.Context())

			decision := a.engine.Check(cmd.Context(), feature)
			if !decision.Allowed {
				return fmt.Errorf("%s", licensing.DenyMessage(decision))
			}

			out := cmd.OutOrStdout()
			if _, metered := licensing.CounterFor(feature); !metered {
				fmt.Fprintf(out, "%s allowed\n", licensing.FeatureDisplayName(feature))
				return nil
			}

			result := a.usage.Increment(cmd.Context(), feature)
			if !result.Synced {
				// The use still goes ahead; only the counter is behind.
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: usage was not recorded: %v\n", result.Err)
			}
			used := decision.Used
			if result.Applied {
				used++
			}
			fmt.Fprintf(out, "%s allowed (%s)\n", licensing.FeatureDisplayName(feature), usageLabel(used, decision.Limit))
			return nil
		},
	}
}

func newPlanCmd(load appLoader) *cobra.Command {
	return &cobra.Command{
		Use:       "plan <basic|standard|premium>",
		Short:     "Change the subscription plan",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(licensing.TierBasic), string(licensing.TierStandard), string(licensing.TierPremium)},
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, ok := licensing.ParseTier(args[0])
			if !ok {
				return fmt.Errorf("unknown plan %q (want basic, standard or premium)", args[0])
			}
			a, err := load()
			if err != nil {
				return err
			}
			defer a.close()
			a.start(cmd.Context())

			if _, err := a.currentUser(); err != nil {
				return err
			}
			if err := a.usage.UpdatePlan(cmd.Context(), tier); err != nil {
				return fmt.Errorf("plan change failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Plan changed to %s (¥%d/month)\n", licensing.TierDisplayName(tier), licensing.TierMonthlyPriceJPY[tier])
			return nil
		},
	}
}

// toFeatures normalizes feature arguments. Unknown names are passed through
// so the engine reports them as denied.
func toFeatures(args []string) []licensing.Feature {
	features := make([]licensing.Feature, 0, len(args))
	for _, arg := range args {
		feature, ok := licensing.ParseFeature(arg)
		if !ok {
			feature = licensing.Feature(arg)
		}
		features = append(features, feature)
	}
	return features
}

func printDecisions(out io.Writer, decisions []licensing.Decision) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FEATURE\tALLOWED\tSTATUS\tUSAGE\tNOTE")
	for _, d := range decisions {
		status := string(d.Status)
		if status == "" {
			status = "-"
		}
		usage := "-"
		if _, metered := licensing.CounterFor(d.Feature); metered && d.Tier != "" {
			usage = usageLabel(d.Used, d.Limit)
		}
		if d.Retention != nil {
			usage = retentionLabel(d.Retention)
		}
		note := licensing.DenyMessage(d)
		if note == "" {
			note = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.Feature, yesNo(d.Allowed), status, usage, note)
	}
	return w.Flush()
}

func usageLabel(used int64, limit licensing.Limit) string {
	switch limit.Kind {
	case licensing.KindUnlimited:
		return fmt.Sprintf("%d / unlimited", used)
	case licensing.KindCount:
		return fmt.Sprintf("%d / %d", used, limit.Count)
	default:
		return "-"
	}
}

func retentionLabel(r *licensing.Retention) string {
	if r.Unlimited {
		return "unlimited history"
	}
	return fmt.Sprintf("%d days history", r.Days)
}

func planLabel(user *licensing.User) string {
	if !user.Subscribed() {
		return "none"
	}
	if tier, ok := licensing.ParseTier(string(user.Plan)); ok {
		return licensing.TierDisplayName(tier)
	}
	return strings.TrimSpace(string(user.Plan))
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

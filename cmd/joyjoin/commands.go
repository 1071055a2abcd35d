package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/config"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/inference"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/matcher"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/occupation"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/reasoner"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/session"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/state"
)

// --- match ---

var matchCmd = &cobra.Command{
	Use:   "match <text>",
	Short: "Run the semantic matcher on a message (offline)",
	Long: `Run the semantic matcher on a message without the LLM or a server.

Examples:
  joyjoin match "我在深圳做投资"
  joyjoin match "在腾讯上班" --threshold 0.8`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, _ := cmd.Flags().GetFloat64("threshold")

		m := matcher.NewDefault(matcher.Config{Threshold: threshold})
		res := m.Match(strings.Join(args, " "), nil)
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	matchCmd.Flags().Float64("threshold", 0, "matched-confidence threshold (default from the matcher)")
}

// --- company ---

var companyCmd = &cobra.Command{
	Use:   "company <text>",
	Short: "Recognize a company and list its common roles (offline)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := occupation.DefaultRecognizer()
		cp := r.Recognize(strings.Join(args, " "))
		out := cmd.OutOrStdout()
		if cp == nil {
			fmt.Fprintln(out, "No company recognized.")
			return nil
		}
		printStatus(out, "Company", "%s", cp.Name)
		printStatus(out, "Industry", "%s", cp.Industry)
		printStatus(out, "Roles", "%s", strings.Join(r.PossibleRoles(cp.Name), ", "))
		return nil
	},
}

// --- infer ---

var inferCmd = &cobra.Command{
	Use:   "infer <message>...",
	Short: "Run messages through the full inference engine (no server)",
	Long: `Run one or more messages through the inference engine as consecutive turns
of a throwaway session and print the last turn's result. The LLM reasoner is
used when configured.

Examples:
  joyjoin infer "我在深圳做投资"
  joyjoin infer "我在腾讯上班" "平时喜欢爬山和摄影" --dimension interests`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dimension, _ := cmd.Flags().GetString("dimension")
		matcherOnly, _ := cmd.Flags().GetBool("matcher-only")

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		var rsn inference.Reasoner
		if !matcherOnly {
			rsn = newReasoner(cmd.Context(), cfg)
		}
		policy := reasoner.NewPolicy(cfg.HighStakes())
		eng := inference.NewEngine(newMatcher(cfg), rsn, state.NewManager(cfg.StaleAfter()),
			inference.Options{Policy: &policy})

		var (
			current = attr.Map{}
			res     inference.Result
		)
		for i, msg := range args {
			req := inference.Request{SessionID: "cli", Message: msg, State: current}
			if dimension != "" {
				req.Progress = &reasoner.Progress{Dimension: dimension, QuestionsAsked: i}
			}
			res = eng.Process(cmd.Context(), req)
			current = res.NewState
		}
		eng.Wait()

		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	inferCmd.Flags().String("dimension", "", "conversation dimension the turns belong to")
	inferCmd.Flags().Bool("matcher-only", false, "never call the LLM reasoner")
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Drive a session on the running server",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/sessions", map[string]string{"userId": userID})
		if err != nil {
			return err
		}
		var sess session.Session
		if err := decodeJSON(resp, &sess); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), sess.ID)
		if len(sess.State) > 0 {
			printAttributes(cmd.OutOrStdout(), sess.State)
		}
		return nil
	},
}

var sessionTurnCmd = &cobra.Command{
	Use:   "turn <session-id> <message>",
	Short: "Send one user message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dimension, _ := cmd.Flags().GetString("dimension")

		body := session.TurnRequest{Message: strings.Join(args[1:], " ")}
		if dimension != "" {
			body.Progress = &reasoner.Progress{Dimension: dimension}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/sessions/"+url.PathEscape(args[0])+"/turns", body)
		if err != nil {
			return err
		}
		var res inference.Result
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var sessionStateCmd = &cobra.Command{
	Use:   "state <session-id>",
	Short: "Show a session's attribute state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/sessions/"+url.PathEscape(args[0])+"/state")
		if err != nil {
			return err
		}
		var out struct {
			State attr.Map `json:"state"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printAttributes(cmd.OutOrStdout(), out.State)
		return nil
	},
}

var sessionDigestCmd = &cobra.Command{
	Use:   "digest <session-id>",
	Short: "Show the prompt digest and question directives",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/sessions/"+url.PathEscape(args[0])+"/digest")
		if err != nil {
			return err
		}
		var d session.Digest
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if d.Text != "" {
			fmt.Fprintln(out, d.Text)
		}
		printStatus(out, "Skip", "%s", strings.Join(d.SkipQuestions, ", "))
		for _, q := range d.ConfirmQuestions {
			printStatus(out, "Confirm", "%s", q.Question())
		}
		return nil
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "End a session and queue its confident fields for the profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/sessions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Session %s ended", args[0])
		return nil
	},
}

func init() {
	sessionStartCmd.Flags().String("user", "", "user id whose profile seeds the session")
	sessionTurnCmd.Flags().String("dimension", "", "conversation dimension this turn belongs to")

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionTurnCmd)
	sessionCmd.AddCommand(sessionStateCmd)
	sessionCmd.AddCommand(sessionDigestCmd)
	sessionCmd.AddCommand(sessionEndCmd)
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect durable user profiles",
}

var profileShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show a user's committed attributes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/users/"+url.PathEscape(args[0])+"/profile")
		if err != nil {
			return err
		}
		var p struct {
			UserID     string   `json:"userId"`
			Attributes attr.Map `json:"attributes"`
			Summary    string   `json:"summary"`
		}
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, p)
		}
		printAttributes(out, p.Attributes)
		fmt.Fprintln(out, p.Summary)
		return nil
	},
}

func init() {
	profileShowCmd.Flags().Bool("json", false, "print the profile as JSON")
	profileCmd.AddCommand(profileShowCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show all non-secret config values",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			printStatus(out, k.Key, "%s %s", k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Persist a config value",
	Args:      cobra.ExactArgs(2),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Set %s = %s", args[0], args[1])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

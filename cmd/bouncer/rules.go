package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/migadu/bouncer/db"
	"github.com/migadu/bouncer/logger"
	"github.com/migadu/bouncer/rules"
)

func handleRulesCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printRulesUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "list":
		handleRulesList(ctx)
	case "add":
		handleRulesAdd(ctx)
	case "activate":
		handleRulesSetActive(ctx, "activate", true)
	case "deactivate":
		handleRulesSetActive(ctx, "deactivate", false)
	case "delete":
		handleRulesDelete(ctx)
	case "help", "--help", "-h":
		printRulesUsage()
	default:
		fmt.Printf("Unknown rules subcommand: %s\n\n", subcommand)
		printRulesUsage()
		os.Exit(1)
	}
}

func printRulesUsage() {
	fmt.Printf(`Bounce rule management

Usage:
  bouncer rules <subcommand> [options]

Subcommands:
  list          List bounce rules
  add           Add a bounce rule, or update the rule with the same pattern
  activate      Activate a bounce rule
  deactivate    Deactivate a bounce rule
  delete        Delete a bounce rule

Actions:
  %s

Examples:
  bouncer rules list --all
  bouncer rules add --regex "user unknown" --action deleteuser --order 10
  bouncer rules deactivate --id 4
`, strings.Join(actionNames(), ", "))
}

func actionNames() []string {
	var names []string
	for _, a := range rules.Actions() {
		names = append(names, a.String())
	}
	return names
}

// connectForRules loads the configuration and connects to the database.
func connectForRules(ctx context.Context, fs *flag.FlagSet, configPath string) (*db.Database, func()) {
	cfg := loadConfig(fs, configPath)
	closeLog := initLogging(cfg)
	database := openDatabase(ctx, cfg)
	return database, func() {
		database.Close()
		closeLog()
	}
}

func handleRulesList(ctx context.Context) {
	fs := flag.NewFlagSet("rules list", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	all := fs.Bool("all", false, "Include inactive rules")
	fs.Usage = func() {
		fmt.Println("Usage: bouncer rules list [--config config.toml] [--all]")
		fmt.Println("Lists active bounce rules in evaluation order.")
	}
	fs.Parse(os.Args[3:])

	database, done := connectForRules(ctx, fs, *configPath)
	defer done()

	stored, err := database.ListRules(ctx, !*all)
	if err != nil {
		logger.Fatalf("Failed to list bounce rules: %v", err)
	}
	if len(stored) == 0 {
		fmt.Println("No bounce rules found.")
		return
	}

	invalid := make(map[int64]error)
	for _, r := range rules.Compile(stored).Invalid() {
		invalid[r.ID] = r.Err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tORDER\tACTION\tACTIVE\tHITS\tPATTERN\tCOMMENT")
	fmt.Fprintln(w, "--\t-----\t------\t------\t----\t-------\t-------")
	for _, r := range stored {
		pattern := r.Pattern
		if _, bad := invalid[r.ID]; bad {
			pattern += " (invalid)"
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%t\t%d\t%s\t%s\n",
			r.ID, r.ListOrder, r.Action, r.Active, r.HitCount, pattern, r.Comment)
	}
	w.Flush()
}

func handleRulesAdd(ctx context.Context) {
	fs := flag.NewFlagSet("rules add", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	pattern := fs.String("regex", "", "Pattern matched against the bounce text (required)")
	action := fs.String("action", "", "Action applied on a match (required)")
	order := fs.Int("order", 0, "Evaluation order, lower first")
	comment := fs.String("comment", "", "Free-form comment")
	admin := fs.Int64("admin", 0, "Id of the administrator adding the rule")
	inactive := fs.Bool("inactive", false, "Store the rule without activating it")
	fs.Usage = func() {
		fmt.Printf(`Add a bounce rule

Usage:
  bouncer rules add --regex PATTERN --action ACTION [options]

Options:
  --config string     Path to TOML configuration file (default: config.toml)
  --regex string      Pattern matched against the bounce text
  --action string     One of: %s
  --order int         Evaluation order, lower first
  --comment string    Free-form comment
  --admin int         Id of the administrator adding the rule
  --inactive          Store the rule without activating it

Adding a pattern that already exists updates that rule.
`, strings.Join(actionNames(), ", "))
	}
	fs.Parse(os.Args[3:])

	if strings.TrimSpace(*pattern) == "" {
		fmt.Printf("ERROR: --regex is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if *action == "" {
		fmt.Printf("ERROR: --action is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	parsed, err := rules.ParseAction(*action)
	if err != nil {
		fmt.Printf("ERROR: %v\n\n", err)
		fs.Usage()
		os.Exit(1)
	}

	rule := &rules.Rule{
		Pattern:   *pattern,
		Action:    parsed.String(),
		ListOrder: *order,
		Comment:   *comment,
		Active:    !*inactive,
	}
	if isFlagSet(fs, "admin") {
		rule.AdminID = admin
	}

	database, done := connectForRules(ctx, fs, *configPath)
	defer done()

	id, err := database.SaveRule(ctx, rule)
	if err != nil {
		logger.Fatalf("Failed to save bounce rule: %v", err)
	}

	if bad := rules.Compile([]rules.Rule{*rule}).Invalid(); len(bad) > 0 {
		fmt.Printf("WARNING: pattern does not compile and will never match: %v\n", bad[0].Err)
	}
	fmt.Printf("Bounce rule %d saved (%s).\n", id, parsed)
}

func handleRulesSetActive(ctx context.Context, name string, active bool) {
	fs := flag.NewFlagSet("rules "+name, flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.Int64("id", 0, "Rule id (required)")
	fs.Usage = func() {
		fmt.Printf("Usage: bouncer rules %s --id N [--config config.toml]\n", name)
	}
	fs.Parse(os.Args[3:])

	if *id <= 0 {
		fmt.Printf("ERROR: --id is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	database, done := connectForRules(ctx, fs, *configPath)
	defer done()

	if err := database.SetRuleActive(ctx, *id, active); err != nil {
		if errors.Is(err, db.ErrRuleNotFound) {
			fmt.Printf("ERROR: bounce rule %d not found\n", *id)
			os.Exit(1)
		}
		logger.Fatalf("Failed to %s bounce rule: %v", name, err)
	}
	rule, err := database.GetRule(ctx, *id)
	if err != nil {
		logger.Fatalf("Failed to read bounce rule %d: %v", *id, err)
	}
	fmt.Printf("Bounce rule %d %sd: %q -> %s\n", rule.ID, name, rule.Pattern, rule.Action)
}

func handleRulesDelete(ctx context.Context) {
	fs := flag.NewFlagSet("rules delete", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.Int64("id", 0, "Rule id (required)")
	fs.Usage = func() {
		fmt.Println("Usage: bouncer rules delete --id N [--config config.toml]")
		fmt.Println("Deletes a bounce rule. Its match history is kept.")
	}
	fs.Parse(os.Args[3:])

	if *id <= 0 {
		fmt.Printf("ERROR: --id is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	database, done := connectForRules(ctx, fs, *configPath)
	defer done()

	rule, err := database.GetRule(ctx, *id)
	if err != nil {
		if errors.Is(err, db.ErrRuleNotFound) {
			fmt.Printf("ERROR: bounce rule %d not found\n", *id)
			os.Exit(1)
		}
		logger.Fatalf("Failed to read bounce rule %d: %v", *id, err)
	}
	matches, err := database.CountRuleMatches(ctx, *id)
	if err != nil {
		logger.Fatalf("Failed to count matches of bounce rule %d: %v", *id, err)
	}

	if err := database.DeleteRule(ctx, *id); err != nil {
		logger.Fatalf("Failed to delete bounce rule: %v", err)
	}
	fmt.Printf("Bounce rule %d (%q) deleted, %d match records kept.\n", rule.ID, rule.Pattern, matches)
}

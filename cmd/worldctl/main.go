// Command worldctl runs administrative operations against a world.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"gopkg.in/urfave/cli.v1"

	"github.com/terminal-bench/agentworld/internal/auth"
	"github.com/terminal-bench/agentworld/internal/config"
	"github.com/terminal-bench/agentworld/internal/lottery"
	"github.com/terminal-bench/agentworld/internal/world"
)

var (
	policyFlag = cli.StringFlag{
		Name:  "policy",
		Usage: "YAML policy file (defaults to AGENTWORLD_POLICY_FILE)",
	}
	outFlag = cli.StringFlag{
		Name:  "out",
		Usage: "output file, stdout when empty",
	}
	limitFlag = cli.IntFlag{
		Name:  "limit",
		Value: 50,
		Usage: "maximum number of entries",
	}
	operatorFlag = cli.BoolFlag{
		Name:  "operator",
		Usage: "issue an operator token",
	}
)

func main() {
	logger := log.New(os.Stderr, "worldctl ", log.LstdFlags)
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Fatalf("load .env: %v", err)
	}

	app := cli.NewApp()
	app.Name = "worldctl"
	app.Usage = "administer an agent world"
	app.Flags = []cli.Flag{policyFlag}
	app.Commands = []cli.Command{
		{
			Name:   "rebuild-leaderboard",
			Usage:  "Recompute agent totals and the leaderboard from the reward event log",
			Action: withWorld(logger, rebuildLeaderboard),
		},
		{
			Name:   "export-events",
			Usage:  "Write the reward event log as zstd-compressed JSON lines",
			Flags:  []cli.Flag{outFlag},
			Action: withWorld(logger, exportEvents),
		},
		{
			Name:      "draw",
			Usage:     "Draw a closed lottery round and settle its payout",
			ArgsUsage: "[round-id]",
			Action:    withWorld(logger, draw),
		},
		{
			Name:      "finalize",
			Usage:     "Finalize a proposal whose voting window has ended",
			ArgsUsage: "<proposal-id>",
			Action:    withWorld(logger, finalize),
		},
		{
			Name:      "execute",
			Usage:     "Mark a passed proposal as executed",
			ArgsUsage: "<proposal-id>",
			Action:    withWorld(logger, execute),
		},
		{
			Name:  "reconcile",
			Usage: "Inspect operations whose outcome is unknown",
			Subcommands: []cli.Command{
				{
					Name:   "list",
					Usage:  "List unresolved entries, oldest first",
					Flags:  []cli.Flag{limitFlag},
					Action: withWorld(logger, reconcileList),
				},
				{
					Name:      "resolve",
					Usage:     "Mark an entry as resolved",
					ArgsUsage: "<entry-id>",
					Action:    withWorld(logger, reconcileResolve),
				},
			},
		},
		{
			Name:      "token",
			Usage:     "Issue an agent token",
			ArgsUsage: "<address>",
			Flags:     []cli.Flag{operatorFlag},
			Action:    issueToken,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatalf("%v", err)
	}
}

type command func(ctx context.Context, c *cli.Context, w *world.World) error

// withWorld opens the world for the duration of one command.
func withWorld(logger *log.Logger, fn command) func(*cli.Context) error {
	return func(c *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		policy := config.DefaultPolicy()
		path := c.GlobalString(policyFlag.Name)
		if path == "" {
			path = cfg.PolicyFile
		}
		if path != "" {
			if policy, err = config.LoadPolicy(path); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		w, err := world.Open(ctx, cfg, policy, logger)
		if err != nil {
			return err
		}
		defer w.Close()
		return fn(ctx, c, w)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireArg(c *cli.Context, name string) (string, error) {
	if c.NArg() < 1 {
		return "", cli.NewExitError(fmt.Sprintf("missing %s", name), 2)
	}
	return c.Args().First(), nil
}

func rebuildLeaderboard(ctx context.Context, c *cli.Context, w *world.World) error {
	report, err := w.Ledger.Rebuild(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func exportEvents(ctx context.Context, c *cli.Context, w *world.World) error {
	var out io.Writer = os.Stdout
	if path := c.String(outFlag.Name); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	n, err := w.Ledger.Export(ctx, out)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "exported %d events\n", n)
	return nil
}

func draw(ctx context.Context, c *cli.Context, w *world.World) error {
	var id int64
	if c.NArg() > 0 {
		parsed, err := strconv.ParseInt(c.Args().First(), 10, 64)
		if err != nil || parsed <= 0 {
			return cli.NewExitError(fmt.Sprintf("invalid round id %q", c.Args().First()), 2)
		}
		id = parsed
	} else {
		round, err := w.Lottery.CurrentRound(ctx)
		if err != nil {
			return err
		}
		id = round.ID
	}

	res, err := w.Lottery.Draw(ctx, id, "")
	if err != nil {
		return err
	}
	if res.Round.Status == lottery.StatusCompleted && res.Round.PayoutTxRef == "" {
		paid, err := w.Lottery.SettlePayout(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "payout of round %d not settled: %v\n", id, err)
		} else {
			res.Round = paid
		}
	}
	return printJSON(res)
}

func finalize(ctx context.Context, c *cli.Context, w *world.World) error {
	id, err := requireArg(c, "proposal id")
	if err != nil {
		return err
	}
	p, err := w.Governance.GetProposal(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(p)
}

func execute(ctx context.Context, c *cli.Context, w *world.World) error {
	id, err := requireArg(c, "proposal id")
	if err != nil {
		return err
	}
	p, err := w.Governance.MarkExecuted(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(p)
}

func reconcileList(ctx context.Context, c *cli.Context, w *world.World) error {
	entries, err := w.Reconcile.Pending(ctx, c.Int(limitFlag.Name))
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func reconcileResolve(ctx context.Context, c *cli.Context, w *world.World) error {
	id, err := requireArg(c, "entry id")
	if err != nil {
		return err
	}
	if err := w.Reconcile.Resolve(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "resolved %s\n", id)
	return nil
}

func issueToken(c *cli.Context) error {
	addr, err := requireArg(c, "address")
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	svc, err := auth.NewService(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}
	role := auth.RoleAgent
	if c.Bool(operatorFlag.Name) {
		role = auth.RoleOperator
	}
	token, err := svc.Issue(addr, role)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// Command marketctl inspects the configured market store from the terminal.
//
//	marketctl [-config market.toml] markets
//	marketctl [-config market.toml] users
//	marketctl [-config market.toml] quote <marketID> [YES|NO <quantity>]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/atmx/binary-market/internal/app"
	"github.com/atmx/binary-market/internal/config"
	"github.com/atmx/binary-market/internal/engine"
	"github.com/atmx/binary-market/internal/lmsr"
	"github.com/atmx/binary-market/internal/model"
)

func main() {
	fs := flag.NewFlagSet("marketctl", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("MARKET_CONFIG"), "path to TOML config file")
	fs.Parse(os.Args[1:])

	if err := run(context.Background(), *configPath, fs.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "marketctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: marketctl [-config file] markets | users | quote <marketID> [side quantity]")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	// Logs go to stderr so tables stay clean.
	logger := config.NewLogger(config.LogConfig{Level: "warn", Format: "text"}, os.Stderr)
	slog.SetDefault(logger)

	st, closer, err := app.OpenStore(ctx, cfg)
	defer closer.Close()
	if err != nil {
		return err
	}
	eng, err := app.NewEngine(st, cfg, nil, logger)
	if err != nil {
		return err
	}

	return execute(ctx, eng, args, out)
}

func execute(ctx context.Context, eng *engine.Engine, args []string, out io.Writer) error {
	switch args[0] {
	case "markets":
		markets, err := eng.GetMarkets(ctx)
		if err != nil {
			return err
		}
		printMarkets(out, markets)
		return nil

	case "users":
		users, err := eng.GetUsers(ctx)
		if err != nil {
			return err
		}
		printUsers(out, users)
		return nil

	case "quote":
		if len(args) != 2 && len(args) != 4 {
			return fmt.Errorf("usage: marketctl quote <marketID> [side quantity]")
		}
		market, err := eng.GetMarket(ctx, args[1])
		if err != nil {
			return err
		}
		if len(args) == 2 {
			printQuote(out, market, "", 0)
			return nil
		}
		side, err := model.ParseOutcome(args[2])
		if err != nil {
			return err
		}
		qty, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil || qty <= 0 {
			return fmt.Errorf("%w: %q", model.ErrInvalidQuantity, args[3])
		}
		printQuote(out, market, side, qty)
		return nil
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func printMarkets(out io.Writer, markets []model.Market) {
	if len(markets) == 0 {
		fmt.Fprintln(out, "no markets")
		return
	}
	table := tablewriter.NewWriter(out)
	table.Header("ID", "Question", "Creator", "b", "Bets Y/N", "P(YES)", "P(NO)", "Status", "Outcome")
	for i := range markets {
		m := &markets[i]
		yes, no := lmsr.PricesFor(m)
		outcome := "-"
		if m.Outcome != nil {
			outcome = string(*m.Outcome)
		}
		table.Append(
			m.ID,
			truncate(m.Question, 40),
			m.CreatorID,
			m.Liquidity.String(),
			fmt.Sprintf("%d/%d", m.NumYes, m.NumNo),
			yes.StringFixed(4),
			no.StringFixed(4),
			m.Status(),
			outcome,
		)
	}
	table.Render()
}

func printUsers(out io.Writer, users []model.User) {
	if len(users) == 0 {
		fmt.Fprintln(out, "no users")
		return
	}
	table := tablewriter.NewWriter(out)
	table.Header("ID", "Balance", "Markets", "Bio")
	for _, u := range users {
		table.Append(
			u.ID,
			u.Balance.StringFixed(2),
			strconv.Itoa(len(u.History)),
			truncate(u.Bio, 40),
		)
	}
	table.Render()
}

func printQuote(out io.Writer, m *model.Market, side model.Outcome, qty int64) {
	mm, err := lmsr.NewMarketMaker(m.Liquidity)
	if err != nil {
		fmt.Fprintf(out, "market %s has invalid liquidity %s\n", m.ID, m.Liquidity)
		return
	}
	yes, no := mm.Prices(m.NumYes, m.NumNo)

	table := tablewriter.NewWriter(out)
	table.Header("Market", "P(YES)", "P(NO)", "Max loss", "Status")
	table.Append(m.ID, yes.String(), no.String(), mm.MaxLoss().String(), m.Status())
	table.Render()

	if side != "" {
		cost := mm.Quote(side, m.NumYes, m.NumNo, qty)
		fmt.Fprintf(out, "%d %s shares cost %s\n", qty, side, cost.StringFixed(lmsr.PriceScale))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// Command backtest replays stored bars through the Drummond strategy and
// prints a performance report, optionally persisting the result.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"drummond-analytics/config"
	"drummond-analytics/internal/backtest"
	"drummond-analytics/internal/calendar"
	"drummond-analytics/internal/database"
	"drummond-analytics/internal/market"
)

type symbolStats struct {
	Symbol        string
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	TotalPnL      float64
	WinRate       float64
	AvgPnL        float64
}

func main() {
	var (
		symbolsFlag = flag.String("symbols", "", "comma-separated symbols (default: config universe)")
		startFlag   = flag.String("start", "", "start date YYYY-MM-DD (required)")
		endFlag     = flag.String("end", "", "end date YYYY-MM-DD (default: yesterday)")
		save        = flag.Bool("save", false, "persist the result to the database")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	start, err := time.Parse("2006-01-02", *startFlag)
	if err != nil {
		fmt.Println("A -start date (YYYY-MM-DD) is required")
		os.Exit(1)
	}
	end := time.Now().UTC().AddDate(0, 0, -1).Truncate(24 * time.Hour)
	if *endFlag != "" {
		if end, err = time.Parse("2006-01-02", *endFlag); err != nil {
			fmt.Printf("Bad -end date: %v\n", err)
			os.Exit(1)
		}
	}

	symbols := cfg.UniverseConfig.Symbols
	if *symbolsFlag != "" {
		symbols = strings.Split(*symbolsFlag, ",")
	}
	if len(symbols) == 0 {
		fmt.Println("No symbols: pass -symbols or configure the universe")
		os.Exit(1)
	}

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		fmt.Printf("Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		fmt.Printf("Failed to run migrations: %v\n", err)
		os.Exit(1)
	}
	repo := database.NewRepository(db)

	cal, err := calendar.NewNYSE()
	if err != nil {
		fmt.Printf("Failed to load trading calendar: %v\n", err)
		os.Exit(1)
	}

	btCfg := backtest.DefaultConfig()
	btCfg.Strategy = cfg.BacktestConfig.Strategy
	btCfg.HTF = market.Interval(cfg.SchedulerConfig.HTF)
	btCfg.TTF = market.Interval(cfg.SchedulerConfig.TTF)
	btCfg.InitialCapital = cfg.BacktestConfig.InitialCapital
	btCfg.MaxPositions = cfg.BacktestConfig.MaxPositions
	btCfg.MaxPortfolioRisk = cfg.BacktestConfig.MaxPortfolioRisk
	btCfg.PerTradeRisk = cfg.BacktestConfig.PerTradeRisk
	btCfg.SlippageBps = cfg.BacktestConfig.SlippageBps
	btCfg.CommissionBps = cfg.BacktestConfig.CommissionBps

	divider := strings.Repeat("=", 80)
	fmt.Println(divider)
	fmt.Printf("DRUMMOND BACKTEST  %s -> %s  (%d symbols, %s strategy)\n",
		start.Format("2006-01-02"), end.Format("2006-01-02"), len(symbols), btCfg.Strategy)
	fmt.Println(divider)

	engine := backtest.NewEngine(repo, cal, btCfg)
	result, err := engine.Run(ctx, symbols, start, end)
	if err != nil {
		fmt.Printf("Backtest failed: %v\n", err)
		os.Exit(1)
	}

	m := result.Metrics
	fmt.Printf("\nCapital:     %12.2f -> %12.2f  (%+.2f%%)\n",
		result.InitialCapital, result.FinalCapital, m.TotalReturn*100)
	fmt.Printf("Annualized:  %+.2f%%   Sharpe %.2f   Sortino %.2f   Calmar %.2f\n",
		m.AnnualizedReturn*100, m.Sharpe, m.Sortino, m.Calmar)
	fmt.Printf("Drawdown:    %.2f%% over %s\n", m.MaxDrawdown*100, m.DrawdownDuration)
	fmt.Printf("Trades:      %d   win rate %.1f%%   profit factor %.2f\n",
		m.TotalTrades, m.WinRate*100, m.ProfitFactor)
	fmt.Printf("Avg win/loss: %+.2f / %+.2f   VaR95 %.2f%%   CVaR95 %.2f%%\n",
		m.AvgWin, m.AvgLoss, m.VaR95*100, m.CVaR95*100)

	printSymbolTable(result.Trades)

	if *save {
		if err := repo.SaveBacktestResult(ctx, result); err != nil {
			fmt.Printf("\nFailed to persist result: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nSaved backtest %s\n", result.ID)
	}
}

func printSymbolTable(trades []backtest.Trade) {
	if len(trades) == 0 {
		return
	}
	bySymbol := make(map[string]*symbolStats)
	for _, tr := range trades {
		st, ok := bySymbol[tr.Symbol]
		if !ok {
			st = &symbolStats{Symbol: tr.Symbol}
			bySymbol[tr.Symbol] = st
		}
		st.TotalTrades++
		st.TotalPnL += tr.NetPnL
		if tr.NetPnL > 0 {
			st.WinningTrades++
		} else {
			st.LosingTrades++
		}
	}

	stats := make([]*symbolStats, 0, len(bySymbol))
	for _, st := range bySymbol {
		st.WinRate = float64(st.WinningTrades) / float64(st.TotalTrades)
		st.AvgPnL = st.TotalPnL / float64(st.TotalTrades)
		stats = append(stats, st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].TotalPnL > stats[j].TotalPnL })

	fmt.Printf("\n%-8s %7s %6s %6s %9s %12s %10s\n",
		"SYMBOL", "TRADES", "WINS", "LOSSES", "WIN%", "NET PNL", "AVG PNL")
	fmt.Println(strings.Repeat("-", 64))
	for _, st := range stats {
		fmt.Printf("%-8s %7d %6d %6d %8.1f%% %12.2f %10.2f\n",
			st.Symbol, st.TotalTrades, st.WinningTrades, st.LosingTrades,
			st.WinRate*100, st.TotalPnL, st.AvgPnL)
	}
}

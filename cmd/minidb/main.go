package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"minidb/internal/config"
	"minidb/internal/engine"
	"minidb/internal/sql"
	"minidb/pkg/types"

	"github.com/peterh/liner"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

const banner = `
 __  __ _       _ ____  ____
|  \/  (_)_ __ (_)  _ \| __ )
| |\/| | | '_ \| | | | |  _ \
| |  | | | | | | | |_| | |_) |
|_|  |_|_|_| |_|_|____/|____/

A disk-based database with a write-ahead log, B-Tree indexing, ARIES
recovery and strict two-phase locking.
Type 'help' for available commands, 'exit' to quit.
`

func main() {
	dataDir := flag.String("data", "", "data directory (overrides config file)")
	bufferPages := flag.Int("buffer", 0, "buffer pool size in pages (overrides config file)")
	configPath := flag.String("config", "", "path to an explicit .minidb.json config file")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090 (disabled if empty)")
	verbose := flag.BoolP("verbose", "v", false, "enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	workDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "getwd: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(workDir, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *bufferPages != 0 {
		cfg.BufferPoolCapacity = *bufferPages
	}

	fmt.Print(banner)
	fmt.Printf("Data directory: %s\n", cfg.DataDir)
	fmt.Printf("Buffer pool: %d pages (%d KB)\n", cfg.BufferPoolCapacity, cfg.BufferPoolCapacity*4)

	db, err := engine.New(engine.Config{
		DataDir:             cfg.DataDir,
		BufferPoolCapacity:  cfg.BufferPoolCapacity,
		PageCRCVerifyOnLoad: cfg.VerifyPageCRCOnLoad(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if *metricsAddr != "" {
		startMetricsServer(db, *metricsAddr)
	}

	fmt.Println("Database ready.")
	fmt.Println()

	runREPL(db)
}

func startMetricsServer(db *engine.Engine, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(db.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	fmt.Printf("Metrics: http://%s/metrics\n", addr)
}

func historyFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.minidb_history"
}

var replCommands = []string{
	"help", "stats", "tables", "checkpoint", "exit", "quit",
	"SELECT", "INSERT", "UPDATE", "DELETE",
	"CREATE TABLE", "DROP TABLE", "CREATE INDEX ON", "DROP INDEX ON",
	"BEGIN", "COMMIT", "ROLLBACK", "EXPLAIN",
}

func runREPL(db *engine.Engine) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(input string) []string {
		var completions []string
		upper := strings.ToUpper(input)
		for _, cmd := range replCommands {
			if strings.HasPrefix(strings.ToUpper(cmd), upper) {
				completions = append(completions, cmd)
			}
		}
		return completions
	})

	if f, err := os.Open(historyFilePath()); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	for {
		input, err := line.Prompt("minidb> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nGoodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "read error: %v\n", err)
			break
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		lower := strings.ToLower(input)
		switch {
		case lower == "exit" || lower == "quit" || lower == "\\q":
			fmt.Println("Goodbye!")
			saveHistory(line)
			return
		case lower == "help" || lower == "\\h":
			printHelp()
			continue
		case lower == "stats" || lower == "\\s":
			printStats(db)
			continue
		case lower == "checkpoint":
			if err := db.Checkpoint(); err != nil {
				fmt.Printf("Checkpoint failed: %v\n", err)
			} else {
				fmt.Println("Checkpoint created.")
			}
			continue
		case lower == "tables" || lower == "\\dt":
			printTables(db)
			continue
		}

		result := db.Execute(input)
		printResult(result)
	}

	saveHistory(line)
}

func saveHistory(line *liner.State) {
	path := historyFilePath()
	if path == "" {
		return
	}
	if f, err := os.Create(path); err == nil {
		line.WriteHistory(f)
		f.Close()
	}
}

func printHelp() {
	help := `
Commands:
  help, \h          Show this help message
  stats, \s         Show database statistics
  tables, \dt       List all tables
  checkpoint        Force the WAL and record a checkpoint
  exit, quit        Exit the database

SQL Statements:
  CREATE TABLE name (col1 TYPE, col2 TYPE, ...)
    Types: INT, TEXT, BOOL, FLOAT, DATE

  DROP TABLE name

  CREATE INDEX ON table(col)

  DROP INDEX ON table

  INSERT INTO table (col1, col2) VALUES (val1, val2)

  SELECT col1, col2 FROM table [WHERE condition] [ORDER BY col [DESC]] [LIMIT n]
  SELECT * FROM table

  UPDATE table SET col1 = val1 [WHERE condition]

  DELETE FROM table [WHERE condition]

  EXPLAIN <statement>   Show the access plan without running it

  BEGIN       Start a transaction
  COMMIT      Commit the current transaction
  ROLLBACK    Roll back the current transaction

Examples:
  CREATE TABLE users (id INT, name TEXT, active BOOL)
  INSERT INTO users (id, name, active) VALUES (1, 'Alice', true)
  SELECT * FROM users ORDER BY id LIMIT 10
  EXPLAIN SELECT * FROM users WHERE id = 1
  checkpoint
  stats
`
	fmt.Println(help)
}

func printStats(db *engine.Engine) {
	stats := db.Stats()
	fmt.Println("\n╔══════════════════════════════════════════╗")
	fmt.Println("║         Database Statistics              ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Instance ID:        %-19v ║\n", stats["instance_id"])
	fmt.Printf("║  WAL Current LSN:    %-19v ║\n", stats["wal_current_lsn"])
	fmt.Printf("║  WAL Durable LSN:    %-19v ║\n", stats["wal_durable_lsn"])
	fmt.Printf("║  Active Txns:        %-19v ║\n", stats["active_txns"])
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Tables:             %-19v ║\n", stats["tables"])
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Buffer Pool Hits:   %-19v ║\n", stats["buffer_pool_hits"])
	fmt.Printf("║  Buffer Pool Misses: %-19v ║\n", stats["buffer_pool_misses"])
	fmt.Printf("║  Buffer Pool Cached: %-19v ║\n", stats["buffer_pool_cached"])
	fmt.Printf("║  Buffer Hit Rate:    %-19v ║\n", stats["buffer_hit_rate"])
	fmt.Println("╚══════════════════════════════════════════╝")
	fmt.Println()
}

func printTables(db *engine.Engine) {
	cat := db.GetCatalog()
	names := cat.TableNames()

	if len(names) == 0 {
		fmt.Println("No tables found.")
		return
	}

	fmt.Println("\nTables:")
	for _, name := range names {
		info, ok := cat.Lookup(name)
		if !ok {
			continue
		}
		fmt.Printf("  %s (id=%d)\n", name, info.TableID)
		for _, col := range info.Columns {
			nullable := ""
			if !col.Nullable {
				nullable = " NOT NULL"
			}
			fmt.Printf("    - %s %s%s\n", col.Name, typeName(col.Type), nullable)
		}
		if info.HasIndex() {
			fmt.Printf("    (indexed)\n")
		}
	}
	fmt.Println()
}

func typeName(t types.ValueType) string {
	switch t {
	case types.ValueTypeInt:
		return "INT"
	case types.ValueTypeString:
		return "TEXT"
	case types.ValueTypeBool:
		return "BOOL"
	case types.ValueTypeFloat:
		return "FLOAT"
	case types.ValueTypeDate:
		return "DATE"
	default:
		return "UNKNOWN"
	}
}

func printResult(result *sql.Result) {
	if result.Error != nil {
		fmt.Printf("ERROR: %v\n", result.Error)
		return
	}

	if result.Plan != "" {
		fmt.Println(result.Plan)
		return
	}

	if len(result.Rows) > 0 {
		widths := make([]int, len(result.Columns))
		for i, col := range result.Columns {
			widths[i] = len(col)
		}

		for _, row := range result.Rows {
			for i, val := range row.Values {
				strVal := formatValue(val)
				if len(strVal) > widths[i] {
					widths[i] = len(strVal)
				}
			}
		}

		printSeparator(widths)
		printRow(result.Columns, widths)
		printSeparator(widths)

		for _, row := range result.Rows {
			vals := make([]string, len(row.Values))
			for i, val := range row.Values {
				vals[i] = formatValue(val)
			}
			printRow(vals, widths)
		}
		printSeparator(widths)

		fmt.Println()
	}

	if result.Message != "" {
		fmt.Println(result.Message)
	}
}

func formatValue(val types.Value) string {
	if val.IsNull {
		return "NULL"
	}
	switch val.Type {
	case types.ValueTypeInt:
		return fmt.Sprintf("%d", val.IntVal)
	case types.ValueTypeString:
		return val.StrVal
	case types.ValueTypeBool:
		if val.BoolVal {
			return "true"
		}
		return "false"
	case types.ValueTypeFloat:
		return fmt.Sprintf("%g", val.FloatVal)
	case types.ValueTypeDate:
		return time.Unix(val.IntVal*86400, 0).UTC().Format("2006-01-02")
	default:
		return "NULL"
	}
}

func printRow(values []string, widths []int) {
	fmt.Print("│ ")
	for i, val := range values {
		fmt.Printf("%-*s │ ", widths[i], val)
	}
	fmt.Println()
}

func printSeparator(widths []int) {
	fmt.Print("├")
	for i, w := range widths {
		fmt.Print(strings.Repeat("─", w+2))
		if i < len(widths)-1 {
			fmt.Print("┼")
		}
	}
	fmt.Println("┤")
}

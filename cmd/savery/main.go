package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"savery/internal"
	"savery/internal/catalog"
	"savery/internal/config"
	"savery/internal/connectors"
	"savery/internal/listener"
	"savery/internal/listsource"
	"savery/internal/parsing"
	"savery/internal/pipeline"
	"savery/internal/stages"
	"savery/internal/storage"
	"savery/internal/util"
)

func main() {
	cfg, err := config.Load()
	must(err)
	must(config.InitLogger(cfg.LogLevel, cfg.LogFormat))
	defer func() { _ = zap.L().Sync() }()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	units, err := parsing.LoadCatalog(cfg.UnitsFile)
	must(err)
	parser := parsing.NewParser(units)

	cmd := os.Args[1]
	if cmd == "parse" {
		runParse(parser, os.Args[2:])
		return
	}

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	ctx := context.Background()
	switch cmd {
	case "catalog:sync":
		must(cfg.Require("CATALOG_API_BASE_URL", cfg.CatalogAPIBaseURL))
		must(cfg.Require("CATALOG_API_TOKEN", cfg.CatalogAPIToken))
		res, err := catalog.NewSyncService(db, catalog.NewClient(cfg), parser).Sync(ctx)
		must(err)
		fmt.Printf("catalog sync complete stores=%d products=%d prices=%d\n", res.Stores, res.Products, res.Prices)
	case "catalog:load":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		file := fs.String("file", cfg.CatalogFixture, "catalog fixture (yaml)")
		_ = fs.Parse(os.Args[2:])
		fixture, err := catalog.LoadFixture(*file)
		must(err)
		res, err := catalog.NewSyncService(db, fixture, parser).Sync(ctx)
		must(err)
		fmt.Printf("catalog load complete file=%s stores=%d products=%d prices=%d\n", *file, res.Stores, res.Products, res.Prices)
	case "stores":
		stores, err := db.ListStores(ctx)
		must(err)
		if len(stores) == 0 {
			fmt.Println("catalog is empty, showing demo stores (run catalog:load)")
			stores = catalog.DemoStores()
		}
		for _, s := range stores {
			fmt.Printf("%s\t%s\t%s\n", s.ID, s.Name, util.DerefString(s.Address))
		}
	case "plan:run":
		runPlan(ctx, cfg, db, parser, os.Args[2:])
	case "plan:status":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		id := fs.String("id", "", "plan/task id")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*id) == "" {
			must(fmt.Errorf("--id is required"))
		}
		st, err := pipeline.NewStatusReader(db).Status(ctx, *id)
		must(err)
		printJSON(st)
	case "plan:export":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		id := fs.String("id", "", "plan/task id")
		out := fs.String("out", "", "output xlsx path")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*id) == "" {
			must(fmt.Errorf("--id is required"))
		}
		if strings.TrimSpace(*out) == "" {
			*out = filepath.Join(cfg.OutputDir, *id+".xlsx")
		}
		plan, err := db.GetPlan(ctx, *id)
		must(err)
		if plan == nil {
			must(fmt.Errorf("plan not found: %s", *id))
		}
		if plan.Result == nil {
			must(fmt.Errorf("plan %s has no result (status=%s)", *id, plan.Status))
		}
		must(pipeline.ExportPlanToXLSX(plan.ID, *plan.Result, *out))
		fmt.Printf("exported plan %s to %s\n", plan.ID, *out)
	case "mail:fetch":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", cfg.InboxProvider, "gmail|imap")
		label := fs.String("label", cfg.InboxLabel, "mailbox/label")
		maxMessages := fs.Int("max", cfg.InboxFetchMax, "max messages")
		_ = fs.Parse(os.Args[2:])
		cfg.InboxProvider = strings.ToLower(strings.TrimSpace(*provider))
		conn, err := listener.NewConnector(ctx, cfg)
		must(err)
		res, err := connectors.NewFetchService(db, cfg.RawMailDir, conn).FetchAndStore(ctx, *label, *maxMessages)
		must(err)
		fmt.Printf("mail fetch done provider=%s fetched=%d stored=%d new=%d\n", cfg.InboxProvider, res.Fetched, res.Stored, len(res.New))
	case "mail:listen":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", cfg.InboxProvider, "gmail|imap")
		stores := fs.String("stores", strings.Join(cfg.InboxStoreIDs, ","), "comma-separated store ids for mailed lists")
		once := fs.Bool("once", false, "run a single cycle and exit")
		_ = fs.Parse(os.Args[2:])
		cfg.InboxProvider = strings.ToLower(strings.TrimSpace(*provider))
		cfg.InboxStoreIDs = splitList(*stores)
		runListener(cfg, db, parser, *once)
	default:
		usage()
		os.Exit(1)
	}
}

func runListener(cfg config.Config, db *storage.DB, parser *parsing.Parser, once bool) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, err := listener.NewConnector(ctx, cfg)
	must(err)
	pool := pipeline.NewPool(context.Background(), cfg.WorkerCount)
	orch := pipeline.NewOrchestrator(db, parser, stages.Pipeline(catalog.NewCache(db), db, cfg), pool, "")
	defer func() { _ = orch.Close(context.Background()) }()

	svc := listener.NewService(cfg, db, conn, orch, pipeline.NewStatusReader(db))
	if !once {
		must(svc.Run(ctx))
		return
	}
	res, err := svc.RunCycle(ctx)
	must(err)
	fmt.Printf("mail cycle done fetched=%d submitted=%d ignored=%d failed=%d exported=%d\n",
		res.Fetched, res.Submitted, res.Ignored, res.Failed, res.Exported)
}

func runParse(parser *parsing.Parser, args []string) {
	fs := flag.NewFlagSet("parse", flag.ExitOnError)
	input := fs.String("input", "", "list file (txt, html, xlsx, pdf, eml)")
	text := fs.String("text", "", "raw list text")
	_ = fs.Parse(args)

	entries, err := readList(*input, *text)
	must(err)
	items := make([]internal.ParsedItem, 0, len(entries))
	for _, in := range listsource.Inputs(entries) {
		items = append(items, parser.FromInput(in))
	}
	printJSON(items)
}

func runPlan(ctx context.Context, cfg config.Config, db *storage.DB, parser *parsing.Parser, args []string) {
	fs := flag.NewFlagSet("plan:run", flag.ExitOnError)
	input := fs.String("input", "", "list file (txt, html, xlsx, pdf, eml)")
	text := fs.String("text", "", "raw list text")
	storeIDs := fs.String("stores", "", "comma-separated store ids")
	lat := fs.String("lat", "", "origin latitude")
	lng := fs.String("lng", "", "origin longitude")
	costPriority := fs.Float64("cost-priority", internal.DefaultPreferences().CostPriority, "0 = distance only, 1 = cost only")
	maxStores := fs.Int("max-stores", 0, "max stores to visit (0 = no limit)")
	allowBulk := fs.Bool("allow-bulk", false, "allow bulk packages")
	out := fs.String("out", "", "optional output xlsx path")
	timeout := fs.Duration("timeout", 2*time.Minute, "max time to wait for the plan")
	_ = fs.Parse(args)

	entries, err := readList(*input, *text)
	must(err)

	req := internal.PlanRequest{
		Items:    listsource.Inputs(entries),
		StoreIDs: splitList(*storeIDs),
		Preferences: &internal.Preferences{
			CostPriority: *costPriority,
			AllowBulk:    *allowBulk,
		},
	}
	if *maxStores > 0 {
		req.Preferences.MaxStores = util.IntPtr(*maxStores)
	}
	req.Latitude, err = optionalFloat("lat", *lat)
	must(err)
	req.Longitude, err = optionalFloat("lng", *lng)
	must(err)

	pool := pipeline.NewPool(ctx, cfg.WorkerCount)
	orch := pipeline.NewOrchestrator(db, parser, stages.Pipeline(catalog.NewCache(db), db, cfg), pool, "")
	defer func() { _ = orch.Close(ctx) }()

	res, err := orch.Submit(ctx, req)
	must(err)

	waitCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	st, err := pipeline.NewStatusReader(db).Wait(waitCtx, res.TaskID, 100*time.Millisecond)
	must(err)
	printJSON(st)

	if *out != "" && st.Result != nil {
		must(pipeline.ExportPlanToXLSX(res.TaskID, *st.Result, *out))
		fmt.Fprintf(os.Stderr, "exported plan %s to %s\n", res.TaskID, *out)
	}
	if st.Status != pipeline.TaskSuccess {
		os.Exit(1)
	}
}

func readList(input, text string) ([]listsource.Entry, error) {
	switch {
	case strings.TrimSpace(input) != "":
		return listsource.FromFile(input)
	case strings.TrimSpace(text) != "":
		return listsource.FromText(text), nil
	default:
		return nil, fmt.Errorf("--input or --text is required")
	}
}

func optionalFloat(name, value string) (*float64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &v, nil
}

func splitList(value string) []string {
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	must(enc.Encode(v))
}

func usage() {
	fmt.Println("usage: savery <command>")
	fmt.Println("commands:")
	fmt.Println("  parse --input=list.txt|--text=\"2 lbs chicken\"")
	fmt.Println("  catalog:sync")
	fmt.Println("  catalog:load [--file=$CATALOG_FIXTURE]")
	fmt.Println("  stores")
	fmt.Println("  plan:run --input=...|--text=... --stores=a,b [--lat= --lng=] [--cost-priority=0.5] [--max-stores=N] [--allow-bulk] [--out=plan.xlsx]")
	fmt.Println("  plan:status --id=...")
	fmt.Println("  plan:export --id=... [--out=./out/plan.xlsx]")
	fmt.Println("  mail:fetch [--provider=gmail|imap] [--label=INBOX] [--max=20]")
	fmt.Println("  mail:listen [--provider=gmail|imap] [--stores=a,b] [--once]")
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

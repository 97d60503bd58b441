// Command relmap-explain loads a schema declaration file, prints the SQL a
// resolver would run for a root table, and optionally executes the graph
// against a live MySQL-compatible database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/XSAM/otelsql"
	_ "github.com/go-sql-driver/mysql"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/dhmk083/relmap"
	"github.com/dhmk083/relmap/internal/planner"
	"github.com/dhmk083/relmap/internal/schemafile"
	"github.com/dhmk083/relmap/internal/sqlutil"
	"github.com/dhmk083/relmap/schema"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
	Commit  = "none"
)

type config struct {
	Schema   string `mapstructure:"schema"`
	Root     string `mapstructure:"root"`
	DSN      string `mapstructure:"dsn"`
	Limit    uint64 `mapstructure:"limit"`
	LogLevel string `mapstructure:"log-level"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("relmap-explain error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	pflag.String("schema", "", "Path to schema declaration file (YAML or JSON)")
	pflag.String("root", "", "Root table to resolve")
	pflag.String("dsn", "", "MySQL DSN; when set, execute the graph and print rows as JSON")
	pflag.Uint64("limit", 0, "Row limit applied to the root query when executing")
	pflag.String("log-level", "info", "Log level (debug, info, warn, error)")
	pflag.Bool("version", false, "Print version and exit")
	pflag.Parse()

	if showVersion, _ := pflag.CommandLine.GetBool("version"); showVersion {
		fmt.Printf("relmap-explain %s (%s)\n", Version, Commit)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Schema == "" || cfg.Root == "" {
		pflag.Usage()
		return fmt.Errorf("both --schema and --root are required")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))

	tables, err := schemafile.Load(cfg.Schema)
	if err != nil {
		return err
	}
	root, ok := tables[cfg.Root]
	if !ok {
		return fmt.Errorf("schema file %s does not declare table %q", cfg.Schema, cfg.Root)
	}

	if err := explain(os.Stdout, root); err != nil {
		return err
	}
	if cfg.DSN == "" {
		return nil
	}
	return execute(logger, cfg, root)
}

// loadConfig layers environment variables under explicit flags, so
// RELMAP_DSN can carry credentials out of the process listing.
func loadConfig() (config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		return config{}, err
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// explain prints the joined root query, then the batched lookup pair each
// many-to-many edge would run, recursively. The IN (?) placeholders stand
// for the parent-id batch collected at runtime.
func explain(w io.Writer, table schema.Table) error {
	root := table.As("")
	plan, err := planner.Build(root)
	if err != nil {
		return err
	}

	opts := root.Options()
	builder := sq.Select(plan.Projection...).
		From(sqlutil.Quote(root.Name(), opts.Quote))
	builder = plan.Apply(builder)
	query, _, err := builder.ToSql()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "-- root: %s\n%s\n", root.Name(), query)

	for _, task := range plan.Tasks {
		if err := explainTask(w, task, root.Name()+"."+task.Key); err != nil {
			return err
		}
	}
	return nil
}

func explainTask(w io.Writer, task planner.Task, path string) error {
	rel := task.Rel
	target := rel.Target.As("")
	opts := target.Options()
	linkOwn := rel.LinkOwnIDFor(task.Owner.Name())

	linkQuery, _, err := sq.Select(
		sqlutil.Quote(linkOwn, opts.Quote),
		sqlutil.Quote(rel.LinkTargetID, opts.Quote),
	).
		From(sqlutil.Quote(rel.Link, opts.Quote)).
		Where(fmt.Sprintf("%s IN (?)", sqlutil.Quote(linkOwn, opts.Quote))).
		ToSql()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "-- %s: link lookup\n%s\n", path, linkQuery)

	plan, err := planner.Build(target)
	if err != nil {
		return err
	}
	builder := sq.Select(plan.Projection...).
		From(sqlutil.Quote(target.Name(), opts.Quote)).
		Join(fmt.Sprintf("%s ON %s = %s",
			sqlutil.Quote(rel.Link, opts.Quote),
			sqlutil.Qualify(rel.Link, rel.LinkTargetID, opts.Quote),
			sqlutil.Qualify(target.Name(), rel.TargetID, opts.Quote),
		)).
		Where(fmt.Sprintf("%s IN (?)", sqlutil.Qualify(rel.Link, linkOwn, opts.Quote))).
		GroupBy(sqlutil.Qualify(target.Name(), rel.TargetID, opts.Quote))
	builder = plan.Apply(builder)
	targetQuery, _, err := builder.ToSql()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "-- %s: target batch\n%s\n", path, targetQuery)

	for _, child := range plan.Tasks {
		if err := explainTask(w, child, path+"."+child.Key); err != nil {
			return err
		}
	}
	return nil
}

func execute(logger *slog.Logger, cfg config, root schema.Table) error {
	db, err := otelsql.Open("mysql", cfg.DSN,
		otelsql.WithAttributes(semconv.DBSystemMySQL),
		otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
	)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	resolver := relmap.New(relmap.NewStandardExecutor(db), relmap.WithLogger(logger))
	var customize relmap.Customizer
	if cfg.Limit > 0 {
		customize = func(b sq.SelectBuilder) sq.SelectBuilder {
			return b.Limit(cfg.Limit)
		}
	}

	rows, err := resolver.Select(ctx, root, customize)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

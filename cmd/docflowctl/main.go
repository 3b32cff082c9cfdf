// docflowctl is the operator CLI.
//
// Usage:
//
//	docflowctl [-config path] compile    [--schema path] [--out file]
//	docflowctl [-config path] publish    [--schema path] [--name analyzer]
//	docflowctl [-config path] bootstrap  [--no-warmup]
//	docflowctl [-config path] create-key --name "ci" [--scope trigger|admin] [--expires-in 720h]
//	docflowctl [-config path] revoke-key --key <raw-key>
//	docflowctl [-config path] list-keys
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/auth/apikey"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/bootstrap"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/events"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/extraction"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "configs/docflow.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "compile":
		err = cmdCompile(cfg, args[1:])
	case "publish":
		err = cmdPublish(ctx, cfg, args[1:])
	case "bootstrap":
		err = cmdBootstrap(ctx, cfg, args[1:])
	case "create-key", "revoke-key", "list-keys":
		err = withKeys(cfg, func(v *apikey.Validator) error {
			switch args[0] {
			case "create-key":
				return cmdCreateKey(ctx, v, args[1:])
			case "revoke-key":
				return cmdRevokeKey(ctx, v, args[1:])
			default:
				return cmdListKeys(ctx, v)
			}
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: docflowctl [-config path] <command> [flags]

commands:
  compile     validate a field schema and print the analyzer definition
  publish     compile a field schema and create or replace the analyzer
  bootstrap   register the ingestion handler with the delivery service
  create-key  issue a trigger or admin key
  revoke-key  deactivate a key
  list-keys   list active keys`)
}

func loadDefinition(path string) (*schema.Document, *schema.AnalyzerDefinition, error) {
	doc, err := schema.Load(path)
	if err != nil {
		return nil, nil, err
	}
	def, err := schema.Compile(doc)
	if err != nil {
		return nil, nil, err
	}
	return doc, def, nil
}

func cmdCompile(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	path := fs.String("schema", cfg.Extraction.SchemaPath, "field schema file (YAML or JSON)")
	out := fs.String("out", "", "write the definition to this file instead of stdout")
	fs.Parse(args)

	_, def, err := loadDefinition(*path)
	if err != nil {
		return err
	}
	data, err := def.JSON()
	if err != nil {
		return err
	}
	if *out == "" {
		_, err = fmt.Println(string(data))
		return err
	}
	return os.WriteFile(*out, append(data, '\n'), 0o644)
}

func cmdPublish(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	path := fs.String("schema", cfg.Extraction.SchemaPath, "field schema file (YAML or JSON)")
	name := fs.String("name", cfg.Extraction.AnalyzerName, "analyzer name (defaults to one derived from the schema)")
	fs.Parse(args)

	doc, def, err := loadDefinition(*path)
	if err != nil {
		return err
	}
	analyzer := *name
	if analyzer == "" {
		analyzer = doc.AnalyzerName()
	}
	if err := extraction.New(cfg.Extraction).PublishAnalyzer(ctx, analyzer, def); err != nil {
		return err
	}
	fmt.Printf("analyzer %s published (%d fields)\n", analyzer, len(doc.Fields))
	return nil
}

func cmdBootstrap(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("bootstrap", flag.ExitOnError)
	noWarmUp := fs.Bool("no-warmup", false, "skip the warm-up wait")
	fs.Parse(args)

	bc := bootstrap.Config{
		DeliveryURL:         cfg.Bootstrap.DeliveryURL,
		APIKey:              cfg.Bootstrap.APIKey,
		SubscriptionName:    cfg.Bootstrap.SubscriptionName,
		SourceTopic:         cfg.Kafka.Topics.ObjectEvents,
		ResourceID:          cfg.Bootstrap.ResourceID,
		WebhookURL:          cfg.Bootstrap.WebhookURL,
		EventTypes:          cfg.Bootstrap.EventTypes,
		SubjectPrefix:       events.ObjectSubject(cfg.Ingestion.DocumentContainer, cfg.Ingestion.SubjectPrefix),
		MaxDeliveryAttempts: cfg.Bootstrap.MaxDeliveryAttempts,
		EventTTLMinutes:     cfg.Bootstrap.EventTTLMinutes,
		WarmUp:              cfg.Bootstrap.WarmUp,
		MaxAttempts:         cfg.Bootstrap.MaxAttempts,
		RetryDelay:          cfg.Bootstrap.RetryDelay,
		RequestTimeout:      cfg.Bootstrap.RequestTimeout,
	}
	if *noWarmUp {
		bc.WarmUp = 0
	}
	res, err := bootstrap.New(bc, nil).Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("subscription %s %s\n", res.Subscription.Name, res.Status)
	return nil
}

func withKeys(cfg *config.Config, fn func(v *apikey.Validator) error) error {
	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		return err
	}
	defer db.Close()
	return fn(apikey.NewValidator(db, 0))
}

func cmdCreateKey(ctx context.Context, v *apikey.Validator, args []string) error {
	fs := flag.NewFlagSet("create-key", flag.ExitOnError)
	name := fs.String("name", "", "name for the key")
	scope := fs.String("scope", apikey.ScopeTrigger, "trigger or admin")
	expiresIn := fs.String("expires-in", "", "expiry duration, e.g. 720h (optional)")
	fs.Parse(args)

	if *name == "" {
		return fmt.Errorf("--name is required")
	}
	var expiresAt *time.Time
	if *expiresIn != "" {
		d, err := time.ParseDuration(*expiresIn)
		if err != nil {
			return fmt.Errorf("invalid --expires-in: %w", err)
		}
		t := time.Now().Add(d)
		expiresAt = &t
	}

	key, err := v.CreateKey(ctx, *name, *scope, expiresAt)
	if err != nil {
		return err
	}
	fmt.Println("Key created. It cannot be retrieved again.")
	fmt.Println()
	fmt.Printf("  Key:     %s\n", key)
	fmt.Printf("  Name:    %s\n", *name)
	fmt.Printf("  Scope:   %s\n", *scope)
	if expiresAt != nil {
		fmt.Printf("  Expires: %s\n", expiresAt.Format(time.RFC3339))
	} else {
		fmt.Println("  Expires: never")
	}
	return nil
}

func cmdRevokeKey(ctx context.Context, v *apikey.Validator, args []string) error {
	fs := flag.NewFlagSet("revoke-key", flag.ExitOnError)
	key := fs.String("key", "", "raw key to revoke")
	fs.Parse(args)

	if *key == "" {
		return fmt.Errorf("--key is required")
	}
	if err := v.RevokeKey(ctx, *key); err != nil {
		return err
	}
	fmt.Println("Key revoked.")
	return nil
}

func cmdListKeys(ctx context.Context, v *apikey.Validator) error {
	keys, err := v.ListKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println("No active keys.")
		return nil
	}
	fmt.Printf("%-36s  %-20s  %-8s  %s\n", "ID", "Name", "Scope", "Expires")
	for _, k := range keys {
		expires := "never"
		if k.ExpiresAt != nil {
			expires = k.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Printf("%-36s  %-20s  %-8s  %s\n", k.ID, k.Name, k.Scope, expires)
	}
	fmt.Printf("\nTotal: %d active key(s)\n", len(keys))
	return nil
}

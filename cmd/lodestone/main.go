package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/carlmjohnson/versioninfo"
	"github.com/goccy/go-json"
	es "github.com/opensearch-project/opensearch-go/v2"
	cli "github.com/urfave/cli/v2"

	"github.com/lodestone-search/lodestone/search"
	"github.com/lodestone-search/lodestone/util"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "lodestone",
		Usage:   "registry search index sync and notification pipeline",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "registry-host",
			Usage:   "registry API base URL (package metadata)",
			Value:   "https://registry.npmjs.org",
			EnvVars: []string{"LODESTONE_REGISTRY_HOST"},
		},
		&cli.StringFlag{
			Name:    "replicate-host",
			Usage:   "registry replication base URL (changes feed, catalog)",
			Value:   "https://replicate.npmjs.com",
			EnvVars: []string{"LODESTONE_REPLICATE_HOST"},
		},
		&cli.StringFlag{
			Name:    "downloads-host",
			Usage:   "download counts API base URL",
			Value:   "https://api.npmjs.org",
			EnvVars: []string{"LODESTONE_DOWNLOADS_HOST"},
		},
		&cli.StringFlag{
			Name:    "osv-host",
			Usage:   "OSV vulnerability API base URL",
			Value:   "https://api.osv.dev",
			EnvVars: []string{"LODESTONE_OSV_HOST"},
		},
		&cli.StringFlag{
			Name:    "es-username",
			Usage:   "opensearch username",
			Value:   "admin",
			EnvVars: []string{"ES_USERNAME"},
		},
		&cli.StringFlag{
			Name:    "es-password",
			Usage:   "opensearch password",
			Value:   "admin",
			EnvVars: []string{"ES_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "es-hosts",
			Usage:   "opensearch hosts (schema/host/port), comma-separated",
			Value:   "http://localhost:9200",
			EnvVars: []string{"ES_HOSTS"},
		},
		&cli.StringFlag{
			Name:    "es-cert-file",
			Usage:   "certificate file path",
			EnvVars: []string{"ES_CERT_FILE"},
		},
		&cli.StringFlag{
			Name:    "es-package-index",
			Usage:   "index name for package documents",
			Value:   "packages",
			EnvVars: []string{"ES_PACKAGE_INDEX"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for queue, cursor, and backfill state",
			Value:   "redis://localhost:6379/0",
			EnvVars: []string{"LODESTONE_REDIS_URL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		backfillCmd,
		checkIndexCmd,
		searchCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "combined change consumer, sync workers, backfill, and delivery",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database connection string for notification storage",
			Value:   "sqlite://data/lodestone/notify.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for the admin API",
			Value:   ":3999",
			EnvVars: []string{"LODESTONE_BIND"},
		},
		&cli.StringFlag{
			Name:    "email-host",
			Usage:   "transactional email API base URL",
			EnvVars: []string{"LODESTONE_EMAIL_HOST"},
		},
		&cli.StringFlag{
			Name:    "email-token",
			Usage:   "transactional email API token",
			EnvVars: []string{"LODESTONE_EMAIL_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "email-from",
			Usage:   "from address for outgoing notification email",
			Value:   "notifications@lodestone.dev",
			EnvVars: []string{"LODESTONE_EMAIL_FROM"},
		},
		&cli.StringFlag{
			Name:    "slack-host",
			Usage:   "slack API base URL",
			Value:   "https://slack.com/api",
			EnvVars: []string{"LODESTONE_SLACK_HOST"},
		},
		&cli.StringFlag{
			Name:    "cursor",
			Usage:   "change feed cursor override; empty resumes from the persisted cursor, \"now\" live-tails",
			EnvVars: []string{"LODESTONE_CURSOR"},
		},
		&cli.IntFlag{
			Name:    "registry-fetch-rate",
			Usage:   "maximum registry metadata fetches per second",
			Value:   20,
			EnvVars: []string{"LODESTONE_REGISTRY_FETCH_RATE"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)

		db, err := util.SetupDatabase(cctx.String("database-url"), 40)
		if err != nil {
			return err
		}

		escli, err := createEsClient(cctx)
		if err != nil {
			return fmt.Errorf("failed to set up opensearch: %w", err)
		}

		srv, err := NewServer(db, escli, ServerConfig{
			RegistryHost:      cctx.String("registry-host"),
			ReplicateHost:     cctx.String("replicate-host"),
			DownloadsHost:     cctx.String("downloads-host"),
			OSVHost:           cctx.String("osv-host"),
			PackageIndex:      cctx.String("es-package-index"),
			RedisURL:          cctx.String("redis-url"),
			EmailHost:         cctx.String("email-host"),
			EmailToken:        cctx.String("email-token"),
			EmailFrom:         cctx.String("email-from"),
			SlackHost:         cctx.String("slack-host"),
			Cursor:            cctx.String("cursor"),
			RegistryFetchRate: cctx.Int("registry-fetch-rate"),
			Logger:            logger,
		})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			s := <-sig
			logger.Info("received signal, shutting down", "signal", s.String())
			cancel()
		}()

		go func() {
			if err := srv.RunAPI(cctx.String("bind")); err != nil {
				logger.Error("admin API terminated", "err", err)
			}
		}()

		return srv.Run(ctx)
	},
}

var backfillCmd = &cli.Command{
	Name:  "backfill",
	Usage: "control the running backfill through the admin API",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "admin-host",
			Usage:   "base URL of a running lodestone admin API",
			Value:   "http://localhost:3999",
			EnvVars: []string{"LODESTONE_ADMIN_HOST"},
		},
	},
	Subcommands: []*cli.Command{
		{
			Name:  "start",
			Usage: "start a fresh backfill, or resume a paused one",
			Action: func(cctx *cli.Context) error {
				return adminPost(cctx, "/admin/backfill/start")
			},
		},
		{
			Name:  "pause",
			Usage: "pause a running backfill, preserving its position",
			Action: func(cctx *cli.Context) error {
				return adminPost(cctx, "/admin/backfill/pause")
			},
		},
		{
			Name:  "status",
			Usage: "show backfill progress",
			Action: func(cctx *cli.Context) error {
				return adminGet(cctx, "/admin/backfill")
			},
		},
	},
}

var checkIndexCmd = &cli.Command{
	Name:  "check-index",
	Usage: "verify connectivity and ensure the package index schema",
	Action: func(cctx *cli.Context) error {
		logger := slog.Default()
		escli, err := createEsClient(cctx)
		if err != nil {
			return err
		}
		sync := search.NewSynchronizer(escli, cctx.String("es-package-index"), logger)
		if err := sync.EnsureSchema(context.Background()); err != nil {
			return fmt.Errorf("failed to ensure index schema: %w", err)
		}
		fmt.Println("index schema ok")
		return nil
	},
}

var searchCmd = &cli.Command{
	Name:  "search",
	Usage: "run a simple query against the package index",
	Action: func(cctx *cli.Context) error {
		escli, err := createEsClient(cctx)
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		query := map[string]interface{}{
			"query": map[string]interface{}{
				"multi_match": map[string]interface{}{
					"query":  cctx.Args().First(),
					"fields": []string{"name^4", "keywords^2", "description"},
				},
			},
		}
		if err := json.NewEncoder(&buf).Encode(query); err != nil {
			return fmt.Errorf("encoding query: %w", err)
		}

		res, err := escli.Search(
			escli.Search.WithContext(context.Background()),
			escli.Search.WithIndex(cctx.String("es-package-index")),
			escli.Search.WithBody(&buf),
			escli.Search.WithTrackTotalHits(true),
			escli.Search.WithPretty(),
		)
		if err != nil {
			return fmt.Errorf("search request failed: %w", err)
		}
		defer res.Body.Close()

		body, err := io.ReadAll(res.Body)
		if err != nil {
			return err
		}
		fmt.Println(string(body))
		return nil
	},
}

func adminPost(cctx *cli.Context, path string) error {
	resp, err := http.Post(cctx.String("admin-host")+path, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func adminGet(cctx *cli.Context, path string) error {
	resp, err := http.Get(cctx.String("admin-host") + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func createEsClient(cctx *cli.Context) (*es.Client, error) {

	addrs := []string{}
	if hosts := cctx.String("es-hosts"); hosts != "" {
		addrs = strings.Split(hosts, ",")
	}

	certfi := cctx.String("es-cert-file")
	var cert []byte
	if certfi != "" {
		b, err := os.ReadFile(certfi)
		if err != nil {
			return nil, err
		}
		cert = b
	}

	cfg := es.Config{
		Addresses: addrs,
		Username:  cctx.String("es-username"),
		Password:  cctx.String("es-password"),

		CACert: cert,
	}

	escli, err := es.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up client: %w", err)
	}

	info, err := escli.Info()
	if err != nil {
		return nil, fmt.Errorf("cannot connect to opensearch: %w", err)
	}
	defer info.Body.Close()

	return escli, nil
}

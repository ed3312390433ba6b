package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/osvaldoandrade/bgprobe/internal/history"
	"github.com/osvaldoandrade/bgprobe/internal/metrics"
	"github.com/osvaldoandrade/bgprobe/internal/mockserver"
	"github.com/osvaldoandrade/bgprobe/internal/runner"
	"github.com/osvaldoandrade/bgprobe/internal/stream"
	"github.com/osvaldoandrade/bgprobe/internal/submit"
	"github.com/osvaldoandrade/bgprobe/internal/tracing"
	"github.com/osvaldoandrade/bgprobe/pkg/config"
	"github.com/osvaldoandrade/bgprobe/pkg/domain"
)

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

func newUI() *ui {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

func main() {
	cfgPath := getenv("BGPROBE_CONFIG", "")
	ui := newUI()

	var (
		cfg    *config.Config
		logger *slog.Logger

		baseURL   string
		apiKey    string
		taskGroup string
		country   string
		logLevel  string
	)

	root := &cobra.Command{
		Use:   "bgprobe",
		Short: "bgprobe CLI",
		Long:  "bgprobe probes a background-removal service: batch uploads joined with their streamed task outcomes.",
	}
	root.SetHelpTemplate(helpTemplate(ui))
	root.SilenceUsage = true

	root.PersistentFlags().StringVar(&cfgPath, "config", cfgPath, "Config file (YAML)")
	root.PersistentFlags().StringVar(&baseURL, "base-url", "", "Service base URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for the authenticated upload variant")
	root.PersistentFlags().StringVar(&taskGroup, "task-group", "", "Task group for uploads and the event stream")
	root.PersistentFlags().StringVar(&country, "country", "", "Country form field")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("base-url") {
			c.BaseURL = baseURL
			c.StreamBaseURL = ""
		}
		if flags.Changed("api-key") {
			c.APIKey = apiKey
		}
		if flags.Changed("task-group") {
			c.TaskGroup = taskGroup
		}
		if flags.Changed("country") {
			c.Country = country
		}
		if flags.Changed("log-level") {
			c.LogLevel = logLevel
		}
		if c.StreamBaseURL == "" {
			c.StreamBaseURL = config.DeriveStreamBaseURL(c.BaseURL)
		}
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c
		logger = newLogger(c.LogLevel, c.LogFormat)
		return nil
	}

	root.AddCommand(runCmd(&cfg, &logger, ui))
	root.AddCommand(submitCmd(&cfg, &logger, ui))
	root.AddCommand(taskCmd(&cfg, &logger, ui))
	root.AddCommand(watchCmd(&cfg, &logger, ui))
	root.AddCommand(mockCmd(&logger, ui))
	root.AddCommand(reportCmd(&cfg, ui))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err.Error())
		os.Exit(1)
	}
}

func runCmd(cfg **config.Config, logger **slog.Logger, ui *ui) *cobra.Command {
	var (
		image   string
		count   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run a probe batch",
		Example: "bgprobe run --image sample.jpg --count 10 --task-group smoke-1",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := *cfg
			if image == "" {
				image = c.ImagePath
			}
			if image == "" {
				return errors.New("an image is required (--image or imagePath in config)")
			}
			payload, err := os.ReadFile(image)
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			if !cmd.Flags().Changed("count") && c.BatchSize > 0 {
				count = c.BatchSize
			}
			if c.TaskGroup == "" {
				return errors.New("a task group is required (--task-group or taskGroup in config)")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			shutdown, err := tracing.Setup(ctx, tracing.Config{
				Enabled:      c.OtelEnabled,
				ServiceName:  c.OtelServiceName,
				OTLPEndpoint: c.OtelOTLPEndpoint,
				OTLPInsecure: c.OtelOTLPInsecure,
				SampleRatio:  c.OtelSampleRatio,
			}, *logger)
			if err != nil {
				return err
			}
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer scancel()
				_ = shutdown(sctx)
			}()

			metrics.Register(prometheus.DefaultRegisterer)
			if c.MetricsPort > 0 {
				go serveMetrics(c.MetricsPort, *logger)
			}

			submitter := submit.NewClient(submit.Options{
				BaseURL:        c.BaseURL,
				UploadPath:     c.UploadPath,
				AuthUploadPath: c.AuthUploadPath,
				DetailsPath:    c.DetailsPathPrefix,
				APIKey:         c.APIKey,
				Timeout:        time.Duration(c.SubmitTimeoutSeconds) * time.Second,
			}, *logger)
			streams := stream.NewClient(stream.Options{
				BaseURL:              c.StreamBaseURL,
				PathPrefix:           c.StreamPathPrefix,
				ReconnectPolicy:      c.ReconnectPolicy,
				ReconnectBase:        time.Duration(c.ReconnectBaseSeconds) * time.Second,
				ReconnectMax:         time.Duration(c.ReconnectMaxSeconds) * time.Second,
				MaxReconnectAttempts: c.MaxReconnectAttempts,
			}, *logger)

			var sub runner.Submitter = submitter
			if term.IsTerminal(int(os.Stdout.Fd())) {
				bar := progressbar.NewOptions(count,
					progressbar.OptionSetDescription("Submitting uploads"),
					progressbar.OptionSetWidth(18),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish(),
				)
				sub = &barSubmitter{inner: submitter, bar: bar}
			}

			o := runner.New(sub, streams, *logger)
			report := o.RunBatch(ctx, runner.Config{
				Count:          count,
				Payload:        payload,
				FileName:       image,
				TaskGroup:      c.TaskGroup,
				Country:        c.Country,
				Stagger:        time.Duration(c.SpawnStaggerMillis) * time.Millisecond,
				OutcomeTimeout: time.Duration(c.OutcomeTimeoutSeconds) * time.Second,
			})

			if jsonOut {
				out, _ := json.MarshalIndent(report, "", "  ")
				fmt.Println(string(out))
			} else {
				fmt.Printf("%s Batch %s finished in %s\n", ui.title("bgprobe"),
					report.TaskGroup, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
				fmt.Printf("%s: %d | %s: %d | %s: %d (of %d)\n",
					ui.ok("SUCCEEDED"), report.Succeeded,
					ui.warn("FAILED"), report.Failed,
					ui.err("ERRORED"), report.Errored,
					report.Requested,
				)
			}

			if c.RedisAddr != "" {
				rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
				defer rdb.Close()
				store := history.NewStore(rdb, time.Duration(c.HistoryTTLSeconds)*time.Second)
				if err := store.Save(context.Background(), report); err != nil {
					fmt.Printf("%s could not save report: %v\n", ui.warn("[WARN]"), err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "Image file to upload")
	cmd.Flags().IntVar(&count, "count", 1, "Number of concurrent workflows")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the report as JSON")
	return cmd
}

type barSubmitter struct {
	inner runner.Submitter
	bar   *progressbar.ProgressBar
}

func (b *barSubmitter) Submit(ctx context.Context, req domain.SubmissionRequest) (string, error) {
	id, err := b.inner.Submit(ctx, req)
	_ = b.bar.Add(1)
	return id, err
}

func submitCmd(cfg **config.Config, logger **slog.Logger, ui *ui) *cobra.Command {
	var image string
	cmd := &cobra.Command{
		Use:     "submit",
		Short:   "Upload a single image",
		Example: "bgprobe submit --image sample.jpg --task-group smoke-1",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := *cfg
			if image == "" {
				image = c.ImagePath
			}
			if image == "" {
				return errors.New("an image is required (--image or imagePath in config)")
			}
			payload, err := os.ReadFile(image)
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}

			client := newSubmitClient(c, *logger)
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Uploading..."
			spin.Start()
			taskID, err := client.Submit(cmd.Context(), domain.SubmissionRequest{
				FileName:  image,
				Payload:   payload,
				TaskGroup: c.TaskGroup,
				Country:   c.Country,
			})
			spin.Stop()
			if err != nil {
				return err
			}
			fmt.Printf("%s Task accepted: %s\n", ui.ok("[OK]"), taskID)
			fmt.Printf("%s watch it with: bgprobe watch --task-group %s %s\n", ui.dim("hint:"), c.TaskGroup, taskID)
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "Image file to upload")
	return cmd
}

func taskCmd(cfg **config.Config, logger **slog.Logger, ui *ui) *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Task operations",
	}

	details := &cobra.Command{
		Use:   "details <task-id>",
		Short: "Fetch task details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newSubmitClient(*cfg, *logger)
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Fetching task..."
			spin.Start()
			raw, err := client.TaskDetails(cmd.Context(), args[0])
			spin.Stop()
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			return nil
		},
	}

	task.AddCommand(details)
	return task
}

func watchCmd(cfg **config.Config, logger **slog.Logger, ui *ui) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "watch [task-id...]",
		Short:   "Stream task events for a group",
		Long:    "Subscribes to the group's event stream. With task ids, exits once every one reaches a terminal status; without, prints every frame until interrupted.",
		Example: "bgprobe watch --task-group smoke-1 4f1c...",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := *cfg
			if c.TaskGroup == "" {
				return errors.New("a task group is required (--task-group or taskGroup in config)")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			streams := stream.NewClient(stream.Options{
				BaseURL:              c.StreamBaseURL,
				PathPrefix:           c.StreamPathPrefix,
				ReconnectPolicy:      c.ReconnectPolicy,
				ReconnectBase:        time.Duration(c.ReconnectBaseSeconds) * time.Second,
				ReconnectMax:         time.Duration(c.ReconnectMaxSeconds) * time.Second,
				MaxReconnectAttempts: c.MaxReconnectAttempts,
			}, *logger)
			defer streams.Close()

			terminal := make(chan string, len(args)+1)
			printEvent := func(evt domain.TaskStatusEvent) {
				label := ui.info(string(evt.Status))
				switch evt.Status {
				case domain.StatusSuccess:
					label = ui.ok(string(evt.Status))
				case domain.StatusFailed:
					label = ui.err(string(evt.Status))
				}
				fmt.Printf("%s %s %s %s\n", ui.dim(time.Now().Format("15:04:05")), label, evt.TaskID, evt.Message)
			}
			onClosed := func(out stream.ConnectionOutcome) {
				if out.Err != nil {
					fmt.Printf("%s stream closed: %v\n", ui.err("[ERROR]"), out.Err)
					cancel()
				}
			}

			keys := args
			if len(keys) == 0 {
				// Group-wide watch: one subscription matching every frame.
				h, err := streams.Subscribe(c.TaskGroup, "", printEvent, onClosed)
				if err != nil {
					return err
				}
				defer h.Unsubscribe()
				<-ctx.Done()
				return nil
			}

			for _, key := range keys {
				key := key
				h, err := streams.Subscribe(c.TaskGroup, key, func(evt domain.TaskStatusEvent) {
					printEvent(evt)
					if evt.Status.Terminal() && evt.TaskID == key {
						terminal <- key
					}
				}, onClosed)
				if err != nil {
					return err
				}
				defer h.Unsubscribe()
			}

			seen := map[string]bool{}
			for len(seen) < len(keys) {
				select {
				case <-ctx.Done():
					return nil
				case key := <-terminal:
					seen[key] = true
				}
			}
			fmt.Printf("%s All tasks reached a terminal status.\n", ui.ok("[OK]"))
			return nil
		},
	}
	return cmd
}

func mockCmd(logger **slog.Logger, ui *ui) *cobra.Command {
	var (
		addr      string
		delay     time.Duration
		failEvery int
		apiKey    string
	)
	cmd := &cobra.Command{
		Use:     "mock",
		Short:   "Run a stand-in background-removal service",
		Example: "bgprobe mock --addr :9000 --processing-delay 2s --fail-every 5",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := mockserver.New(mockserver.Options{
				APIKey:          apiKey,
				ProcessingDelay: delay,
				FailEveryN:      failEvery,
			}, *logger)
			fmt.Printf("%s mock service listening on %s\n", ui.title("bgprobe"), addr)
			return srv.Run(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9000", "Listen address")
	cmd.Flags().DurationVar(&delay, "processing-delay", 2*time.Second, "Time from subscribe to terminal status")
	cmd.Flags().IntVar(&failEvery, "fail-every", 0, "Make every Nth task fail (0 disables)")
	cmd.Flags().StringVar(&apiKey, "mock-api-key", "", "Require this api_key on the authenticated upload route")
	return cmd
}

func reportCmd(cfg **config.Config, ui *ui) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "report",
		Short: "List saved batch reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := *cfg
			if c.RedisAddr == "" {
				return errors.New("run history needs redisAddr in config (or BGPROBE_REDIS_ADDR)")
			}
			rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
			defer rdb.Close()
			store := history.NewStore(rdb, time.Duration(c.HistoryTTLSeconds)*time.Second)

			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Fetching reports..."
			spin.Start()
			reports, err := store.List(cmd.Context(), limit)
			spin.Stop()
			if err != nil {
				return err
			}
			if len(reports) == 0 {
				fmt.Println(ui.dim("no reports saved yet"))
				return nil
			}
			for _, r := range reports {
				fmt.Printf("%s %s  %s: %d | %s: %d | %s: %d (of %d)\n",
					ui.dim(r.FinishedAt.Format(time.RFC3339)), r.TaskGroup,
					ui.ok("SUCCEEDED"), r.Succeeded,
					ui.warn("FAILED"), r.Failed,
					ui.err("ERRORED"), r.Errored,
					r.Requested,
				)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Max reports to list")
	return cmd
}

func newSubmitClient(c *config.Config, logger *slog.Logger) *submit.Client {
	return submit.NewClient(submit.Options{
		BaseURL:        c.BaseURL,
		UploadPath:     c.UploadPath,
		AuthUploadPath: c.AuthUploadPath,
		DetailsPath:    c.DetailsPathPrefix,
		APIKey:         c.APIKey,
		Timeout:        time.Duration(c.SubmitTimeoutSeconds) * time.Second,
	}, logger)
}

func serveMetrics(port int, logger *slog.Logger) {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if err := engine.Run(fmt.Sprintf(":%d", port)); err != nil {
		logger.Warn("metrics listener stopped", "err", err)
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func helpTemplate(ui *ui) string {
	title := ui.title("bgprobe")
	return fmt.Sprintf(`%s — probe a background-removal service

Usage:
  {{.UseLine}}

Commands:
{{range .Commands}}{{if (or .IsAvailableCommand .IsAdditionalHelpTopicCommand)}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

Flags:
  {{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

Global Flags:
  {{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

Examples:
  bgprobe mock --addr :9000 --processing-delay 1s
  bgprobe run --base-url http://localhost:9000 --image sample.jpg --count 10 --task-group smoke-1
  bgprobe submit --image sample.jpg --task-group smoke-1
  bgprobe watch --task-group smoke-1
  bgprobe report --limit 5

`, title)
}

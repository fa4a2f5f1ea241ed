package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/camkit/camlink/core/logx"
	"github.com/camkit/camlink/internal/api"
	"github.com/camkit/camlink/internal/camera"
	"github.com/camkit/camlink/internal/config"
	"github.com/camkit/camlink/internal/discovery"
	"github.com/camkit/camlink/internal/liveview"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [flags] <command> [args]

Commands:
  discover                 search the local network for cameras
  call <method> [json...]  invoke a control operation with JSON parameters
  avail [service]          list operations available in the current state
  shoot                    capture a still and print the postview URL
  liveview <dir>           stream liveview images into a directory

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	var cfg config.ClientConfig
	cfg.BindFlags()
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("camlink %s (%s, %s)\n", version, buildSHA, buildDate)
		return
	}

	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	if err := cfg.Load(explicit); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logx.Configure(cfg.LogLevel)
	camera.SetVersionInfo(version, buildSHA, buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flag.Args()); err != nil {
		logx.Log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ClientConfig, args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("no command given")
	}

	if cfg.StatusAddr != "" {
		if _, err := camera.StartStatusServer(ctx, cfg.StatusAddr); err != nil {
			return err
		}
	}
	if cfg.MetricsAddr != "" {
		if _, err := camera.StartMetricsServer(ctx, cfg.MetricsAddr); err != nil {
			return err
		}
	}

	if args[0] == "discover" {
		return discover(ctx)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		devices, err := discovery.Discover(ctx, 3*time.Second)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			return fmt.Errorf("no camera found; pass -endpoint")
		}
		endpoint = devices[0].ControlBase
		logx.Log.Info().Str("camera", devices[0].FriendlyName).Str("endpoint", endpoint).Msg("camera discovered")
	}

	sess, err := camera.Open(ctx, endpoint, reconnectAction(cfg.ReconnectCmd))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), camera.CloseBudget)
		defer cancel()
		_ = sess.Close(closeCtx)
	}()

	switch args[0] {
	case "call":
		if len(args) < 2 {
			return fmt.Errorf("call: missing method name")
		}
		params, err := parseParams(args[2:])
		if err != nil {
			return err
		}
		resp, err := sess.Call(ctx, args[1], params, api.ResolveOptions{})
		if err != nil {
			return err
		}
		return printJSON(resp.Result)
	case "avail":
		service := api.ServiceCamera
		if len(args) > 1 {
			service = args[1]
		}
		names, err := sess.AvailableOperations(ctx, service)
		if err != nil {
			return err
		}
		return printJSON(names)
	case "shoot":
		url, err := sess.Shutter(ctx)
		if err != nil {
			return err
		}
		fmt.Println(url)
		return nil
	case "liveview":
		if len(args) < 2 {
			return fmt.Errorf("liveview: missing output directory")
		}
		return runLiveview(ctx, sess, cfg.LiveviewBudget, args[1])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func discover(ctx context.Context) error {
	devices, err := discovery.Discover(ctx, 3*time.Second)
	if err != nil {
		return err
	}
	for _, d := range devices {
		fmt.Printf("%s\t%s\t%v\n", d.FriendlyName, d.ControlBase, d.Services)
	}
	return nil
}

func runLiveview(ctx context.Context, sess *camera.Session, budget time.Duration, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	stream, err := sess.StartLiveview(ctx)
	if err != nil {
		return err
	}
	return stream.Run(ctx, budget, camera.OnImage(func(img liveview.Image) error {
		name := fmt.Sprintf("%s/frame-%05d.jpg", dir, img.Seq)
		if err := os.WriteFile(name, img.Data, 0o644); err != nil {
			return err
		}
		if img.Frames != nil {
			logx.Log.Debug().Uint16("seq", img.Seq).Int("regions", len(img.Frames.Frames)).Msg("image with frame info")
		}
		return nil
	}))
}

// reconnectAction turns the configured shell command into the link-recovery
// action injected into the retry engine.
func reconnectAction(cmd string) func(ctx context.Context) error {
	if cmd == "" {
		return nil
	}
	return func(ctx context.Context) error {
		logx.Log.Info().Str("cmd", cmd).Msg("restoring network link")
		c := exec.CommandContext(ctx, "sh", "-c", cmd)
		c.Stdout = os.Stderr
		c.Stderr = os.Stderr
		return c.Run()
	}
}

func parseParams(args []string) ([]any, error) {
	var params []any
	for _, a := range args {
		var v any
		if err := json.Unmarshal([]byte(a), &v); err != nil {
			// Bare words are a convenience for string parameters.
			v = a
		}
		params = append(params, v)
	}
	return params, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

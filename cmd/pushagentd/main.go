package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/linkipax/realtime/internal/agent"
	"github.com/linkipax/realtime/internal/config"
	"github.com/linkipax/realtime/internal/stats"
	"github.com/linkipax/realtime/internal/types"
)

const agentVersion = "push-notifications-v1"

var configPath string

// httpAssetFetcher pulls static assets from the application origin
// during install.
type httpAssetFetcher struct {
	baseURL string
}

func (f *httpAssetFetcher) Fetch(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// logNotifier and logWindows are stand-ins for the host shell
// integration: alerts and window routing are written to the agent log
// so the daemon is fully runnable on a bare host.
type logNotifier struct {
	log *log.Logger
}

func (n *logNotifier) Show(_ context.Context, p *types.NotificationPayload) error {
	n.log.Printf("ALERT [%s] %s: %s (url=%s renotify=%v)", p.Tag, p.Title, p.Body, p.URL, p.Renotify)
	return nil
}

func (n *logNotifier) Close(_ context.Context, tag string) error {
	n.log.Printf("ALERT [%s] dismissed", tag)
	return nil
}

type logWindows struct {
	log *log.Logger
}

func (w *logWindows) Windows(context.Context) ([]agent.Window, error) { return nil, nil }

func (w *logWindows) OpenWindow(_ context.Context, url string) error {
	w.log.Printf("open window: %s", url)
	return nil
}

func (w *logWindows) Claim(context.Context) error { return nil }

func main() {
	flag.StringVar(&configPath, "config", "pushagentd.yaml", "path to configuration file")
	flag.Parse()

	logger := log.New(os.Stderr, "[pushagentd] ", log.LstdFlags)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("config:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	a := agent.New(
		logger,
		agentVersion,
		&httpAssetFetcher{baseURL: cfg.APIBaseURL},
		&logNotifier{log: logger},
		&logWindows{log: logger},
		statsUpdater,
	)

	installCtx, cancelInstall := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelInstall()

	if err := a.Install(installCtx); err != nil {
		logger.Fatal("install:", err)
	}
	if err := a.Activate(installCtx); err != nil {
		logger.Fatal("activate:", err)
	}

	srv := agent.NewServer(logger, a, cfg.AgentAddr, rate.Limit(cfg.AgentRateLimitPerSec), mux)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("agent server shutdown:", err)
	}

	logger.Println("shutdown complete")
}

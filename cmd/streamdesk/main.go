package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/streamdesk/internal/config"
	"github.com/basket/streamdesk/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	name := "streamdesk"
	fmt.Fprintf(w, `Usage of %[1]s:

DAEMON:
  %[1]s [-quiet]                   Serve the HTTP/websocket gateway (default)
  %[1]s daemon                     Same as above

CLIENT COMMANDS:
  %[1]s send [flags] <text...>     Submit text and print the streamed reply
                                   Flags: -button N -role N (default 1); Ctrl+C cancels
  %[1]s chat [flags]               Interactive terminal chat (Esc cancels)
  %[1]s status                     Show daemon health (/healthz)
  %[1]s prompts                    List prompt buttons and roles
  %[1]s doctor [-json]             Run local diagnostic checks

Client commands accept -addr (default: bind_addr from config.yaml),
-user (default: "default") and -key (default: $STREAMDESK_API_KEY).

ENVIRONMENT VARIABLES:
  STREAMDESK_HOME         Data directory (default: ~/.streamdesk)
  STREAMDESK_BIND_ADDR    Listen address (default: %[2]s)
  DEEPSEEK_API_KEY        Key for the default provider; without one replies are echoed
`, name, config.DefaultBindAddr)
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log only to <home>/logs/system.jsonl")
	flag.Usage = func() {
		printUsage(os.Stderr)
		flag.PrintDefaults()
	}
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage(os.Stdout)
			return
		case "version":
			fmt.Println(Version)
			return
		case "send":
			os.Exit(runSendCommand(ctx, args[1:], os.Stdout, os.Stderr))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:], os.Stdout, os.Stderr))
		case "prompts":
			os.Exit(runPromptsCommand(ctx, args[1:], os.Stdout, os.Stderr))
		case "chat":
			os.Exit(runChatCommand(ctx, args[1:], os.Stderr))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout, os.Stderr))
		case "daemon", "serve":
			if len(args) > 1 {
				fmt.Fprintf(os.Stderr, "usage: streamdesk daemon\n")
				os.Exit(2)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage(os.Stderr)
			os.Exit(2)
		}
	}

	code := runDaemon(ctx, *quiet)
	stop()
	os.Exit(code)
}

func runDaemon(ctx context.Context, quiet bool) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "config_file", cfg.FileFound)
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.ToLower(strings.TrimSpace(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && !cfg.Auth.Enabled {
			logger.Warn("listening beyond loopback without auth; anyone who can reach the port can submit requests", "bind_addr", cfg.BindAddr)
		}
	}

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		var se *startupError
		if errors.As(err, &se) {
			fatalStartup(logger, se.code, se.err)
		}
		fatalStartup(logger, "E_STARTUP", err)
	}
	defer d.close()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())

	server := &http.Server{
		Handler:           d.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if err := d.start(ctx); err != nil {
		logger.Warn("background services partially started", "error", err)
	}
	logger.Info("startup phase", "phase", "ready")

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		code = 1
	}

	// Stop intake first, then drain streams, then drop the sockets.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	d.drain(time.Duration(cfg.DrainTimeoutSeconds) * time.Second)
	logger.Info("shutdown complete")
	return code
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.Join(strings.Fields(out), " ")
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

var execCommandFunc = exec.Command

func execCommand(name string, args ...string) (string, error) {
	out, err := execCommandFunc(name, args...).Output()
	return string(out), err
}

// loadDotEnv sets KEY=VALUE pairs from path without overriding the
// environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"'`))
	}
}

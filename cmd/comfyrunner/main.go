// Command comfyrunner submits a ComfyUI workflow and waits for it to finish.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/richinsley/comfyrunner/client"
	"github.com/richinsley/comfyrunner/config"
	"github.com/richinsley/comfyrunner/internal/xjson"
	"github.com/richinsley/comfyrunner/locator"
	"github.com/richinsley/comfyrunner/logging"
)

const (
	exitSuccess     = 0
	exitError       = 1
	exitUnconfirmed = 2
)

// errUnconfirmed marks a run whose completion could not be confirmed
var errUnconfirmed = errors.New("completion not confirmed")

// flag name -> config key
var flagKeys = map[string]string{
	"address":    "server.address",
	"protocol":   "server.protocol",
	"locate":     "server.locate",
	"log-file":   "log.file",
	"log-level":  "log.level",
	"mode":       "tracker.mode",
	"timeout":    "tracker.timeout",
	"workflow":   "workflow.path",
	"check-path": "workflow.check_path",
	"check-node": "workflow.check_node",
	"cache-key":  "workflow.cache_key",
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, out, errOut io.Writer) int {
	a := &app{v: viper.New(), out: out, errOut: errOut}
	defer a.close()

	root := a.rootCommand()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, errUnconfirmed) {
			return exitUnconfirmed
		}
		fmt.Fprintln(errOut, "Error:", err)
		return exitError
	}
	return exitSuccess
}

// app carries what every subcommand needs. It is filled in by the root
// command's PersistentPreRunE.
type app struct {
	v      *viper.Viper
	out    io.Writer
	errOut io.Writer

	cfg      *config.Config
	logger   *slog.Logger
	address  string
	client   *client.ComfyClient
	closeLog func() error
}

func (a *app) close() {
	if a.closeLog != nil {
		a.closeLog()
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:               "comfyrunner",
		Short:             "Run ComfyUI workflows from the command line",
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default ./comfyrunner.yaml if present)")
	flags.String("env-file", "", "env file (default ./.env if present)")
	flags.String("address", "", "ComfyUI host:port")
	flags.String("protocol", "", "http or https")
	flags.String("locate", "", "address lookup: none, public or outbound")
	flags.String("client-id", "", "websocket client id (default random)")
	flags.String("log-file", "", "also write the log to this file")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("mode", "", "completion tracking: events or queue")
	flags.Duration("timeout", 0, "tracking timeout")
	flags.Bool("json", false, "print results as JSON")

	root.AddCommand(
		a.runCommand(),
		a.submitCommand(),
		a.waitCommand(),
		a.inspectCommand(),
		a.locateCommand(),
		a.statsCommand(),
	)
	return root
}

// setup loads the configuration, installs the logger and builds the client
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := a.v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	configFile, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(a.v, config.LoadOptions{ConfigFile: configFile, EnvFile: envFile})
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, closeLog, err := logging.Setup(a.errOut, cfg.Log.File, cfg.Log.Level)
	if err != nil {
		return err
	}
	a.logger = logger
	a.closeLog = closeLog

	httpClient := &http.Client{Timeout: cfg.Server.RequestTimeout}
	lopts := cfg.LocatorOptions()
	lopts.HTTPClient = httpClient
	lopts.Logger = logger
	address, err := locator.Resolve(cmd.Context(), lopts)
	if err != nil {
		return err
	}
	a.address = address

	opts := []client.Option{
		client.WithProtocol(cfg.Server.Protocol),
		client.WithLogger(logger),
		client.WithHTTPClient(httpClient),
	}
	if id, _ := cmd.Flags().GetString("client-id"); id != "" {
		opts = append(opts, client.WithClientID(id))
	}
	a.client = client.NewComfyClient(address, opts...)
	return nil
}

// print writes v as JSON with --json, otherwise as text
func (a *app) print(cmd *cobra.Command, v interface{}, text string) error {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		data, err := xjson.Marshal(v)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(a.out, string(data))
		return err
	}
	_, err := fmt.Fprintln(a.out, text)
	return err
}

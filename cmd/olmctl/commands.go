package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/companyzero/olmengine/cryptostore"
	"github.com/companyzero/olmengine/olm"
	"github.com/companyzero/olmengine/pickle"
	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// app holds the state shared by the commands of a single invocation.
type app struct {
	cfg     *settings
	logBknd *logBackend
	log     slog.Logger
	out     io.Writer
	metrics *olm.Metrics

	store   *cryptostore.Store
	account *olm.Account
}

func newApp(cfg *settings, logBknd *logBackend, out io.Writer) *app {
	return &app{
		cfg:     cfg,
		logBknd: logBknd,
		log:     logBknd.logger("CTL"),
		out:     out,
		metrics: olm.NewMetrics(),
	}
}

type command struct {
	name    string
	usage   string
	descr   string
	minArgs int

	// noAccount is set for commands that run without a stored account.
	noAccount bool

	handler func(ctx context.Context, a *app, args []string) error
}

var commands = []command{{
	name:      "create",
	usage:     "[<user id> <device id>]",
	descr:     "Create a new device account",
	noAccount: true,
	handler:   cmdCreate,
}, {
	name:    "identity",
	descr:   "Show the signed device keys",
	handler: cmdIdentity,
}, {
	name:    "genkeys",
	usage:   "[<count>]",
	descr:   "Generate, sign and publish one-time keys",
	handler: cmdGenKeys,
}, {
	name:    "fallback",
	descr:   "Generate and publish a new fallback key",
	handler: cmdFallback,
}, {
	name:    "roomkey",
	usage:   "<room id>",
	descr:   "Create a new room key, replacing the current one",
	minArgs: 1,
	handler: cmdRoomKey,
}, {
	name:    "export",
	usage:   "<file> [<passphrase>]",
	descr:   "Export every known room key",
	minArgs: 1,
	handler: cmdExport,
}, {
	name:    "import",
	usage:   "<file> [<passphrase>]",
	descr:   "Import room keys from an export file",
	minArgs: 1,
	handler: cmdImport,
}, {
	name:    "serve",
	descr:   "Serve prometheus metrics until interrupted",
	handler: cmdServe,
}}

func findCommand(name string) *command {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i]
		}
	}
	return nil
}

func (a *app) usage() {
	fmt.Fprintf(a.out, "Usage: %s [flags] <command> [args]\n\nCommands:\n", appName)
	for _, cmd := range commands {
		fmt.Fprintf(a.out, "  %-9s %-22s %s\n", cmd.name, cmd.usage, cmd.descr)
	}
}

// run executes the command named by args[0].
func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] == "help" {
		a.usage()
		return nil
	}
	cmd := findCommand(args[0])
	if cmd == nil {
		a.usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
	args = args[1:]
	if len(args) < cmd.minArgs {
		return fmt.Errorf("usage: %s %s", cmd.name, cmd.usage)
	}

	store, err := cryptostore.Open(ctx, cryptostore.Config{
		Root:   a.cfg.Root,
		Logger: a.logBknd.logger("STOR"),
	})
	if err != nil {
		return err
	}
	a.store = store
	defer func() {
		if err := store.Close(); err != nil {
			a.log.Warnf("Unable to close store: %v", err)
		}
	}()

	if !cmd.noAccount {
		if err := a.loadAccount(); err != nil {
			return err
		}
	}
	return cmd.handler(ctx, a, args)
}

// engineOpts are the options of every restored engine object.
func (a *app) engineOpts() []olm.Option {
	return []olm.Option{
		olm.WithLogger(a.logBknd.logger("OLM")),
		olm.WithMetrics(a.metrics),
	}
}

func (a *app) loadAccount() error {
	p, err := a.store.LoadAccount()
	if errors.Is(err, cryptostore.ErrNotFound) {
		return fmt.Errorf("no account in %s: run the create command first",
			a.store.Root())
	}
	if err != nil {
		return err
	}
	a.account, err = olm.UnpickleAccount(p, a.cfg.pickleMode(), a.engineOpts()...)
	return err
}

func (a *app) saveAccount() error {
	p, err := a.account.Pickle(a.cfg.pickleMode())
	if err != nil {
		return err
	}
	return a.store.SaveAccount(p)
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdCreate(ctx context.Context, a *app, args []string) error {
	userID, deviceID := a.cfg.UserID, a.cfg.DeviceID
	if len(args) >= 2 {
		userID, deviceID = args[0], args[1]
	}
	if userID == "" || deviceID == "" {
		return errors.New("user id and device id must be specified in " +
			"the config file or as arguments")
	}

	_, err := a.store.LoadAccount()
	switch {
	case err == nil:
		return fmt.Errorf("store %s already has an account", a.store.Root())
	case !errors.Is(err, cryptostore.ErrNotFound):
		return err
	}
	if a.cfg.Passphrase == "" {
		a.log.Warnf("No passphrase configured: storing keys unencrypted")
	}

	a.account, err = olm.NewAccount(userID, deviceID, a.engineOpts()...)
	if err != nil {
		return err
	}
	if err := a.saveAccount(); err != nil {
		return err
	}
	a.log.Infof("Created account for %s device %s", userID, deviceID)
	return cmdIdentity(ctx, a, nil)
}

func cmdIdentity(_ context.Context, a *app, _ []string) error {
	dk, err := a.account.DeviceKeys()
	if err != nil {
		return err
	}
	return a.printJSON(dk)
}

func cmdGenKeys(_ context.Context, a *app, args []string) error {
	count := a.account.MaxOneTimeKeys() / 2
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 || n > a.account.MaxOneTimeKeys() {
			return fmt.Errorf("invalid key count %q", args[0])
		}
		count = n
	}
	if err := a.account.GenerateOneTimeKeys(count); err != nil {
		return err
	}
	otks, err := a.account.SignedOneTimeKeys()
	if err != nil {
		return err
	}
	a.account.MarkKeysAsPublished()
	a.account.UpdateUploadedKeyCount(a.account.UploadedKeyCount() + uint64(len(otks)))
	if err := a.saveAccount(); err != nil {
		return err
	}
	return a.printJSON(map[string]interface{}{"one_time_keys": otks})
}

func cmdFallback(_ context.Context, a *app, _ []string) error {
	if err := a.account.GenerateFallbackKey(); err != nil {
		return err
	}
	fk, err := a.account.FallbackKey()
	if err != nil {
		return err
	}
	a.account.MarkKeysAsPublished()
	if err := a.saveAccount(); err != nil {
		return err
	}
	return a.printJSON(map[string]interface{}{"fallback_keys": fk})
}

func cmdRoomKey(_ context.Context, a *app, args []string) error {
	roomID := args[0]
	if !strings.HasPrefix(roomID, "!") {
		return fmt.Errorf("invalid room id %q", roomID)
	}
	out, in, err := a.account.CreateGroupSessionPair(roomID, a.cfg.encryptionSettings())
	if err != nil {
		return err
	}
	mode := a.cfg.pickleMode()
	pout, err := out.Pickle(mode)
	if err != nil {
		return err
	}
	pin, err := in.Pickle(mode)
	if err != nil {
		return err
	}
	if err := a.store.SaveInboundGroupSession(pin); err != nil {
		return err
	}
	if err := a.store.SaveOutboundGroupSession(pout); err != nil {
		return err
	}
	a.log.Infof("Created room key %s for %s", out.SessionID(), roomID)
	return a.printJSON(map[string]interface{}{
		"room_id":     roomID,
		"session_id":  out.SessionID(),
		"session_key": out.SessionKey(),
		"settings":    out.Settings(),
	})
}

func cmdExport(ctx context.Context, a *app, args []string) error {
	sessions, err := a.store.LoadInboundGroupSessions(ctx, a.cfg.pickleMode(), a.engineOpts()...)
	if err != nil {
		return err
	}
	exported, err := olm.ExportRoomKeys(sessions)
	if err != nil {
		return err
	}

	var b []byte
	if len(args) > 1 {
		sealed, err := pickle.Seal(pickle.WithPassphrase(args[1]), exported)
		if err != nil {
			return err
		}
		b = []byte(sealed + "\n")
	} else {
		a.log.Warnf("No export passphrase given: writing room keys unencrypted")
		b, err = json.MarshalIndent(exported, "", "  ")
		if err != nil {
			return err
		}
	}
	if err := os.WriteFile(args[0], b, 0o600); err != nil {
		return err
	}
	a.log.Infof("Exported %d room keys to %s", len(exported), args[0])
	return nil
}

func cmdImport(_ context.Context, a *app, args []string) error {
	b, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var exported []olm.ExportedRoomKey
	if len(args) > 1 {
		err = pickle.Open(pickle.WithPassphrase(args[1]),
			strings.TrimSpace(string(b)), &exported)
	} else {
		err = json.Unmarshal(b, &exported)
	}
	if err != nil {
		return fmt.Errorf("unable to decode %s: %w", args[0], err)
	}

	sessions, importErr := olm.ImportRoomKeys(exported, a.engineOpts()...)
	if importErr != nil {
		a.log.Warnf("Some room keys were not imported: %v", importErr)
	}
	mode := a.cfg.pickleMode()
	for _, s := range sessions {
		p, err := s.Pickle(mode)
		if err != nil {
			return err
		}
		if err := a.store.SaveInboundGroupSession(p); err != nil {
			return err
		}
	}
	a.log.Infof("Imported %d of %d room keys", len(sessions), len(exported))
	fmt.Fprintf(a.out, "Imported %d of %d room keys\n", len(sessions), len(exported))
	return nil
}

func cmdServe(ctx context.Context, a *app, _ []string) error {
	if a.cfg.ListenPrometheus == "" {
		return errors.New("listenprometheus is not configured")
	}

	// Fail early if the room keys cannot be opened with the configured
	// passphrase.
	sessions, err := a.store.LoadInboundGroupSessions(ctx, a.cfg.pickleMode(), a.engineOpts()...)
	if err != nil {
		return err
	}
	a.log.Infof("Loaded %d room keys", len(sessions))

	reg := a.metrics.Registry()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(reg,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	hs := http.Server{
		Addr:        a.cfg.ListenPrometheus,
		BaseContext: func(net.Listener) context.Context { return ctx },
		Handler:     mux,
	}
	a.log.Infof("Exposing prometheus metrics on %s", a.cfg.ListenPrometheus)
	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hs.Shutdown(ctx)
	}()
	err = hs.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}

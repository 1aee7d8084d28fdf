package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/companyzero/olmengine/olm"
	"github.com/companyzero/olmengine/pickle"
	"github.com/davecgh/go-spew/spew"
	"github.com/mitchellh/go-homedir"
	"github.com/vaughan0/go-ini"
	strduration "github.com/xhit/go-str2duration/v2"
)

const (
	appName = "olmctl"
	version = "0.1.0"

	// passphraseEnv overrides the pickle passphrase of the config file.
	passphraseEnv = "OLMCTL_PASSPHRASE"
)

// errCmdDone is returned when the flags were fully handled, for example
// when only the version was requested.
var errCmdDone = errors.New("command done")

type settings struct {
	Root     string // store root
	UserID   string
	DeviceID string

	// Passphrase seals stored records. Records are stored unencrypted
	// when empty.
	Passphrase string

	// Room key settings.
	RotationPeriod    time.Duration
	RotationMessages  uint64
	HistoryVisibility olm.HistoryVisibility

	ListenPrometheus string

	// log section
	LogFile     string
	DebugLevel  string
	MaxLogFiles int
}

// pickleMode returns the mode used to seal stored records.
func (s *settings) pickleMode() pickle.Mode {
	if s.Passphrase == "" {
		return pickle.Unencrypted()
	}
	return pickle.WithPassphrase(s.Passphrase)
}

func (s *settings) encryptionSettings() olm.EncryptionSettings {
	return olm.EncryptionSettings{
		Algorithm:              olm.AlgorithmMegolmV1,
		RotationPeriod:         s.RotationPeriod,
		RotationPeriodMessages: s.RotationMessages,
		HistoryVisibility:      s.HistoryVisibility,
	}
}

// obtainSettings parses the command line flags and the config file. It
// returns the settings and the remaining command line arguments.
func obtainSettings(args []string, out io.Writer) (*settings, []string, error) {
	homeDir, err := homedir.Dir()
	if err != nil {
		return nil, nil, err
	}
	rootDir := filepath.Join(homeDir, "."+appName)
	defaultCfgFile := filepath.Join(rootDir, appName+".conf")

	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(out)
	cfgFile := fs.String("cfg", defaultCfgFile, "config file")
	versionFlag := fs.Bool("version", false, "show version")
	showCfgFlag := fs.Bool("showcfg", false, "show the parsed config and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, nil, errCmdDone
		}
		return nil, nil, err
	}
	if *versionFlag {
		fmt.Fprintf(out, "%s %s (%s)\n", appName, version, runtime.Version())
		return nil, nil, errCmdDone
	}

	// Default settings.
	s := &settings{
		Root:              rootDir,
		RotationPeriod:    olm.DefaultRotationPeriod,
		RotationMessages:  olm.DefaultRotationPeriodMessages,
		HistoryVisibility: olm.HistoryVisibilityShared,
		LogFile:           filepath.Join(rootDir, "logs", appName+".log"),
		DebugLevel:        "info",
		MaxLogFiles:       10,
	}

	fname, err := homedir.Expand(*cfgFile)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := ini.LoadFile(fname)
	switch {
	case errors.Is(err, os.ErrNotExist) && *cfgFile == defaultCfgFile:
		// Run with defaults until a config file is written.
		cfg = ini.File{}
	case err != nil:
		return nil, nil, fmt.Errorf("unable to load config file: %w", err)
	}
	if err := s.fill(cfg); err != nil {
		return nil, nil, fmt.Errorf("config file %s: %w", fname, err)
	}

	if pass := os.Getenv(passphraseEnv); pass != "" {
		s.Passphrase = pass
	}

	if *showCfgFlag {
		shown := *s
		if shown.Passphrase != "" {
			shown.Passphrase = "(set)"
		}
		fmt.Fprintf(out, "Config file: %s\n", fname)
		spew.Fdump(out, shown)
		return nil, nil, errCmdDone
	}

	return s, fs.Args(), nil
}

// fill overrides the settings with the values of the config file.
func (s *settings) fill(cfg ini.File) error {
	get := func(v *string, section, field string) bool {
		val, ok := cfg.Get(section, field)
		if ok {
			*v = val
		}
		return ok
	}
	getPath := func(v *string, section, field string) error {
		var raw string
		if !get(&raw, section, field) {
			return nil
		}
		if raw == "" {
			// Explicitly disabled.
			*v = ""
			return nil
		}
		path, err := homedir.Expand(raw)
		if err != nil {
			return fmt.Errorf("invalid path for %q: %w", field, err)
		}
		*v = filepath.Clean(path)
		return nil
	}

	if err := getPath(&s.Root, "", "root"); err != nil {
		return err
	}
	get(&s.UserID, "", "userid")
	get(&s.DeviceID, "", "deviceid")
	get(&s.Passphrase, "", "passphrase")
	get(&s.ListenPrometheus, "", "listenprometheus")

	var raw string
	if get(&raw, "roomkeys", "rotationperiod") {
		d, err := strduration.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid rotationperiod: %w", err)
		}
		if d < olm.MinRotationPeriod {
			return fmt.Errorf("rotationperiod %s is below the minimum of %s",
				raw, olm.MinRotationPeriod)
		}
		s.RotationPeriod = d
	}
	if get(&raw, "roomkeys", "rotationmessages") {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || n == 0 {
			return fmt.Errorf("invalid rotationmessages %q", raw)
		}
		s.RotationMessages = n
	}
	if get(&raw, "roomkeys", "historyvisibility") {
		hv, err := olm.ParseHistoryVisibility(raw)
		if err != nil {
			return err
		}
		s.HistoryVisibility = hv
	}

	if err := getPath(&s.LogFile, "log", "logfile"); err != nil {
		return err
	}
	get(&s.DebugLevel, "log", "debuglevel")
	if get(&raw, "log", "maxlogfiles") {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid maxlogfiles %q", raw)
		}
		s.MaxLogFiles = n
	}
	return nil
}

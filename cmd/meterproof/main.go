// Command meterproof records, exports and verifies signed usage records.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/karasz/meterproof"
)

// Exit codes.
const (
	exitOK            = 0
	exitFail          = 1
	exitUsage         = 2
	exitNotConfigured = 3
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) ExitCode() int { return e.code }

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) && coder.ExitCode() == exitFail {
			os.Exit(exitFail)
		}
		if errors.Is(err, meterproof.ErrNotConfigured) {
			fmt.Fprintf(os.Stderr, "meterproof: %v (set %s and %s)\n", meterproof.ErrNotConfigured,
				meterproof.EnvPrivateKey, meterproof.EnvKID)
			os.Exit(exitNotConfigured)
		}
		fmt.Fprintf(os.Stderr, "meterproof: %v\n", err)
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		os.Exit(exitFail)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stderr)
		return nil
	}
	cmd, rest := args[0], args[1:]

	cfg, err := meterproof.LoadConfig()
	if err != nil {
		return err
	}

	switch cmd {
	case "record":
		return runRecord(cfg, rest, stdout, stderr)
	case "export":
		return runExport(cfg, rest, stdout)
	case "verify":
		return runVerify(cfg, rest, stdout)
	case "jwks":
		return runJWKS(cfg, stdout)
	case "cid":
		return runCID(rest, stdout)
	case "serve":
		return runServe(cfg, rest, stderr)
	default:
		printUsage(stderr)
		return &exitError{code: exitUsage, err: fmt.Errorf("unknown command %q", cmd)}
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `meterproof: tamper-evident usage metering.

Usage:
  meterproof record --tenant T --subject S --action A --quantity N [--meta JSON] [--ts TS]
  meterproof export --tenant T [--since TS] [--until TS] [--format json|cbor|proto]
  meterproof verify [--format json|cbor|proto] [--jwks FILE] [--require-signature] PATH
  meterproof jwks
  meterproof cid CID
  meterproof serve [--addr ADDR]

Configuration is read from the YAML file named by %s and from
%s, %s, %s, %s, %s,
%s, %s and %s.
`, meterproof.EnvConfig,
		meterproof.EnvPrivateKey, meterproof.EnvKID, meterproof.EnvStore, meterproof.EnvStorePath,
		meterproof.EnvAddr, meterproof.EnvTLSCert, meterproof.EnvTLSKey, meterproof.EnvReportWindow)
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	return fs
}

func parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openService builds the signer and store named by cfg. needSigner makes a
// missing signer an error.
func openService(cfg *meterproof.Config, logger *slog.Logger, needSigner bool) (*meterproof.Service, error) {
	signer, err := cfg.NewSigner()
	if err != nil {
		if needSigner || !errors.Is(err, meterproof.ErrNotConfigured) {
			return nil, err
		}
		signer = nil
	}
	store, err := cfg.OpenStore()
	if err != nil {
		return nil, err
	}
	return meterproof.NewService(signer, store, meterproof.WithServiceLogger(logger)), nil
}

func runRecord(cfg *meterproof.Config, args []string, stdout, stderr io.Writer) error {
	var u meterproof.UsageInput
	var metaJSON string
	var strict bool
	fs := newFlagSet("record")
	fs.StringVar(&u.TenantID, "tenant", "", "tenant id")
	fs.StringVar(&u.Subject, "subject", "", "subject the usage is attributed to")
	fs.StringVar(&u.Action, "action", "", "metered action")
	fs.Int64Var(&u.Quantity, "quantity", 0, "positive quantity")
	fs.StringVar(&metaJSON, "meta", "", "JSON object of metadata")
	fs.StringVar(&u.TS, "ts", "", "timestamp (default: now)")
	fs.BoolVar(&strict, "strict-ts", false, "reject timestamps that are not RFC 3339")
	if err := parse(fs, args); err != nil {
		return err
	}
	if metaJSON != "" {
		dec := json.NewDecoder(strings.NewReader(metaJSON))
		dec.UseNumber()
		if err := dec.Decode(&u.Meta); err != nil {
			return &exitError{code: exitUsage, err: fmt.Errorf("--meta: %w", err)}
		}
		if u.Meta == nil {
			return &exitError{code: exitUsage, err: errors.New("--meta must be a JSON object")}
		}
	}

	logger := newLogger(stderr, slog.LevelWarn)
	signer, err := cfg.NewSigner()
	if err != nil {
		return err
	}
	store, err := cfg.OpenStore()
	if err != nil {
		return err
	}
	defer store.Close()

	opts := []meterproof.MeterOption{meterproof.WithLogger(logger)}
	if strict {
		opts = append(opts, meterproof.WithStrictTimestamps())
	}
	res, err := meterproof.NewMeter(signer, store, opts...).Record(u)
	if err != nil {
		return err
	}
	data, err := json.Marshal(res.Record)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(data))
	if !res.Persisted {
		fmt.Fprintf(stderr, "warning: record not persisted: %v\n", res.PersistErr)
	}
	return nil
}

func runExport(cfg *meterproof.Config, args []string, stdout io.Writer) error {
	var tenant, since, until, format, out string
	fs := newFlagSet("export")
	fs.StringVar(&tenant, "tenant", "", "tenant id")
	fs.StringVar(&since, "since", "", "inclusive lower timestamp bound")
	fs.StringVar(&until, "until", "", "inclusive upper timestamp bound")
	fs.StringVar(&format, "format", "json", "output format: json, cbor or proto")
	fs.StringVarP(&out, "output", "o", "", "write the bundle to this file instead of stdout")
	if err := parse(fs, args); err != nil {
		return err
	}
	f, err := meterproof.ParseFormat(format)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	svc, err := openService(cfg, newLogger(os.Stderr, slog.LevelWarn), true)
	if err != nil {
		return err
	}
	defer svc.Close()

	b, err := svc.Export(tenant, meterproof.Range{Since: since, Until: until})
	if err != nil {
		return err
	}
	data, err := meterproof.EncodeBundle(b, f)
	if err != nil {
		return err
	}
	if out != "" {
		return os.WriteFile(out, data, 0o600)
	}
	_, err = stdout.Write(data)
	if err == nil && f == meterproof.FormatJSON {
		_, err = fmt.Fprintln(stdout)
	}
	return err
}

func runVerify(cfg *meterproof.Config, args []string, stdout io.Writer) error {
	var format, jwksPath string
	var require bool
	fs := newFlagSet("verify")
	fs.StringVar(&format, "format", "json", "input format: json, cbor or proto")
	fs.StringVar(&jwksPath, "jwks", "", "key set file to verify against (default: the configured signer's key)")
	fs.BoolVar(&require, "require-signature", false, "fail records that carry no kid")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return &exitError{code: exitUsage, err: errors.New("verify takes exactly one PATH")}
	}
	f, err := meterproof.ParseFormat(format)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	var ks meterproof.KeySet
	if jwksPath != "" {
		raw, err := os.ReadFile(jwksPath)
		if err != nil {
			return err
		}
		if ks, err = meterproof.ParseKeySet(raw); err != nil {
			return err
		}
	} else {
		signer, err := cfg.NewSigner()
		if err != nil {
			return err
		}
		ks = signer.KeySet()
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	doc, err := meterproof.DecodeDocument(data, f)
	if err != nil {
		return err
	}
	v := meterproof.NewVerifier(ks)
	v.RequireSignature = require
	vd := v.Check(doc)
	if !v.Passes(vd) {
		fmt.Fprintf(stdout, "FAIL (%s)\n", vd)
		return &exitError{code: exitFail, err: errors.New("verification failed")}
	}
	fmt.Fprintf(stdout, "OK (%s)\n", vd)
	return nil
}

func runJWKS(cfg *meterproof.Config, stdout io.Writer) error {
	signer, err := cfg.NewSigner()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(signer.KeySet()); err != nil {
		return err
	}
	_, err = stdout.Write(buf.Bytes())
	return err
}

// runCID converts between sha256: CIDs and CIDv1 strings.
func runCID(args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return &exitError{code: exitUsage, err: errors.New("cid takes exactly one CID")}
	}
	var out string
	var err error
	if strings.HasPrefix(args[0], meterproof.CIDPrefix) {
		out, err = meterproof.CIDv1(args[0])
	} else {
		out, err = meterproof.FromCIDv1(args[0])
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, out)
	return nil
}

func runServe(cfg *meterproof.Config, args []string, stderr io.Writer) error {
	addr := cfg.Server.Addr
	fs := newFlagSet("serve")
	fs.StringVar(&addr, "addr", addr, "listen address")
	if err := parse(fs, args); err != nil {
		return err
	}

	logger := newLogger(stderr, slog.LevelInfo)
	svc, err := openService(cfg, logger, false)
	if err != nil {
		return err
	}
	defer svc.Close()
	if svc.Signer() == nil {
		logger.Warn("signer not configured; metering and export will answer 503")
	}

	srv := meterproof.NewServer(svc, logger)
	window, err := cfg.ReportWindow()
	if err != nil {
		return err
	}
	srv.SetReportWindow(window)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Serve(ctx, addr, cfg.Server.TLSCert, cfg.Server.TLSKey)
}

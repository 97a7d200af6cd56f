package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"pravardha-anchor/internal/export"
	"pravardha-anchor/internal/httpapi"
	"pravardha-anchor/internal/service"
)

func init() {
	register(command{name: "compute-root", summary: "compute and store the Merkle root of a window", run: runComputeRoot})
	register(command{name: "verify-window", summary: "recompute a window root and compare with store and ledger", run: runVerifyWindow})
	register(command{name: "register-device", summary: "register a device identity on the ledger", run: runRegisterDevice})
	register(command{name: "anchor", summary: "anchor one window commitment", run: runAnchor})
	register(command{name: "anchor-pending", summary: "anchor every root-computed window of a device", run: runAnchorPending})
	register(command{name: "batch-create", summary: "open a batch over a time range", run: runBatchCreate})
	register(command{name: "batch-close", summary: "close an open batch", run: runBatchClose})
	register(command{name: "batch-certify", summary: "certify a closed, fully anchored batch", run: runBatchCertify})
	register(command{name: "batch-revoke", summary: "revoke an open or closed batch", run: runBatchRevoke})
	register(command{name: "batch-verify", summary: "show the live verification of a batch", run: runBatchVerify})
	register(command{name: "batch-export", summary: "write the batch certificate as XLSX", run: runBatchExport})
	register(command{name: "serve", summary: "serve the certificate API and metrics", run: runServe})
}

func runComputeRoot(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("compute-root", c.stderr)
	deviceID := fs.String("device", "", "device id")
	windowStart := fs.String("window-start", "", "window start (RFC 3339 or epoch seconds); latest window when empty")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireFlag("device", *deviceID); err != nil {
		return err
	}
	var start *time.Time
	if *windowStart != "" {
		t, err := parseWindowStart("window-start", *windowStart)
		if err != nil {
			return err
		}
		start = &t
	}

	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.commitments.ComputeRoot(ctx, *deviceID, start)
	if err != nil {
		return err
	}
	return printJSON(c.stdout, map[string]any{
		"device_id":    *deviceID,
		"window_start": res.Window.WindowStart,
		"leaf_count":   res.Commitment.LeafCount,
		"merkle_root":  res.Commitment.Hex(),
		"unchanged":    res.Unchanged,
	})
}

func windowFlags(name string, c *cli, args []string) (string, time.Time, error) {
	fs := newFlagSet(name, c.stderr)
	deviceID := fs.String("device", "", "device id")
	windowStart := fs.String("window-start", "", "window start (RFC 3339 or epoch seconds)")
	if err := parseFlags(fs, args); err != nil {
		return "", time.Time{}, err
	}
	if err := requireFlag("device", *deviceID); err != nil {
		return "", time.Time{}, err
	}
	start, err := parseWindowStart("window-start", *windowStart)
	return *deviceID, start, err
}

func runVerifyWindow(ctx context.Context, c *cli, args []string) error {
	deviceID, start, err := windowFlags("verify-window", c, args)
	if err != nil {
		return err
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	check, err := a.commitments.VerifyWindow(ctx, deviceID, start)
	if err != nil {
		return err
	}
	if err := printJSON(c.stdout, map[string]any{
		"device_id":      deviceID,
		"window_start":   check.Window.WindowStart,
		"reading_count":  check.ReadingCount,
		"root_matches":   check.RootMatches,
		"ledger_checked": check.LedgerChecked,
		"ledger_matches": check.LedgerMatches,
		"ledger_address": check.LedgerAddress,
		"verified":       check.Verified(),
	}); err != nil {
		return err
	}
	if !check.Verified() {
		return fmt.Errorf("window %s of device %s failed verification", start.Format(time.RFC3339), deviceID)
	}
	return nil
}

func runRegisterDevice(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("register-device", c.stderr)
	deviceID := fs.String("device", "", "device id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireFlag("device", *deviceID); err != nil {
		return err
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.anchors.RegisterDevice(ctx, *deviceID)
	if err != nil {
		return err
	}
	return printJSON(c.stdout, res)
}

func runAnchor(ctx context.Context, c *cli, args []string) error {
	deviceID, start, err := windowFlags("anchor", c, args)
	if err != nil {
		return err
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.anchors.Anchor(ctx, deviceID, start)
	if err != nil {
		return err
	}
	return printJSON(c.stdout, res)
}

func runAnchorPending(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("anchor-pending", c.stderr)
	deviceID := fs.String("device", "", "device id")
	limit := fs.Int("limit", 0, "maximum windows to process (0 = configured limit)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireFlag("device", *deviceID); err != nil {
		return err
	}
	if *limit < 0 {
		return usagef("--limit must not be negative")
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, runErr := a.anchors.AnchorPending(ctx, *deviceID, *limit)
	if summary != nil {
		if err := printJSON(c.stdout, summary); err != nil {
			return err
		}
	}
	return runErr
}

func runBatchCreate(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("batch-create", c.stderr)
	deviceID := fs.String("device", "", "device id")
	name := fs.String("name", "", "batch name")
	description := fs.String("description", "", "batch description")
	startFlag := fs.String("start", "", "first window start, inclusive (RFC 3339 or epoch seconds)")
	endFlag := fs.String("end", "", "last window start, inclusive (RFC 3339 or epoch seconds)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireFlag("device", *deviceID); err != nil {
		return err
	}
	start, err := parseTime("start", *startFlag)
	if err != nil {
		return err
	}
	end, err := parseTime("end", *endFlag)
	if err != nil {
		return err
	}

	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := a.batches.CreateBatch(ctx, service.CreateBatchRequest{
		DeviceID:    *deviceID,
		Name:        *name,
		Description: *description,
		StartTS:     start,
		EndTS:       end,
	})
	if err != nil {
		return err
	}
	return printJSON(c.stdout, b)
}

func batchFlag(name string, c *cli, args []string) (string, error) {
	fs := newFlagSet(name, c.stderr)
	batchID := fs.String("batch", "", "batch id")
	if err := parseFlags(fs, args); err != nil {
		return "", err
	}
	return *batchID, requireFlag("batch", *batchID)
}

func runBatchClose(ctx context.Context, c *cli, args []string) error {
	batchID, err := batchFlag("batch-close", c, args)
	if err != nil {
		return err
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := a.batches.CloseBatch(ctx, batchID)
	if err != nil {
		return err
	}
	return printJSON(c.stdout, b)
}

func runBatchCertify(ctx context.Context, c *cli, args []string) error {
	batchID, err := batchFlag("batch-certify", c, args)
	if err != nil {
		return err
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.batches.CertifyBatch(ctx, batchID)
	if err != nil {
		return err
	}
	return printJSON(c.stdout, v)
}

func runBatchRevoke(ctx context.Context, c *cli, args []string) error {
	batchID, err := batchFlag("batch-revoke", c, args)
	if err != nil {
		return err
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := a.batches.RevokeBatch(ctx, batchID)
	if err != nil {
		return err
	}
	return printJSON(c.stdout, b)
}

func runBatchVerify(ctx context.Context, c *cli, args []string) error {
	batchID, err := batchFlag("batch-verify", c, args)
	if err != nil {
		return err
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.batches.VerifyBatch(ctx, batchID)
	if err != nil {
		return err
	}
	return printJSON(c.stdout, v)
}

func runBatchExport(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("batch-export", c.stderr)
	batchID := fs.String("batch", "", "batch id")
	out := fs.String("out", "", "output file (default batch-<id>-certificate.xlsx)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireFlag("batch", *batchID); err != nil {
		return err
	}
	path := *out
	if path == "" {
		path = export.CertificateFilename(*batchID)
	}

	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.batches.VerifyBatch(ctx, *batchID)
	if err != nil {
		return err
	}
	data, err := export.GenerateCertificate(v)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	a.logger.Info("Certificate exported",
		zap.String("batch_id", *batchID),
		zap.String("path", path),
		zap.String("verdict", string(v.Verdict)),
	)
	fmt.Fprintln(c.stdout, path)
	return nil
}

func runServe(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("serve", c.stderr)
	addr := fs.String("addr", "", "listen address (default from config)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if *addr == "" {
		*addr = a.cfg.HTTP.Addr
	}
	handler := httpapi.NewHandler(a.batches, a.checks, a.metrics, a.logger)
	srv := httpapi.NewServer(*addr, httpapi.NewRouter(handler), a.logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("Received signal, shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

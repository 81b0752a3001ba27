package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Hara602/usbWarden/internal/clock"
	"github.com/Hara602/usbWarden/internal/config"
	"github.com/Hara602/usbWarden/internal/ipc"
	"github.com/Hara602/usbWarden/internal/journal"
	"github.com/Hara602/usbWarden/internal/model"
)

// runCLI 每次执行前重置全局 flag 状态
func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	overrides = config.Overrides{}
	devicesJSON = false
	reportLimit = 20

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	code := execute(rootCmd, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCommandTree(t *testing.T) {
	want := map[string]bool{"run": false, "surface": false, "devices": false, "report": false, "version": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected subcommand %q", name)
		}
	}
	for _, flag := range []string{"config", "socket", "log-level", "journal", "no-surface"} {
		if rootCmd.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("expected persistent flag --%s", flag)
		}
	}
}

func TestConfigErrorExitsWithExConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("policy: [\n"), 0600); err != nil {
		t.Fatal(err)
	}
	code, _, stderr := runCLI(t, "report", "--config", path)
	if code != ExitConfig {
		t.Errorf("expected exit code %d, got %d", ExitConfig, code)
	}
	if !strings.Contains(stderr, "FATAL") || !strings.Contains(stderr, path) {
		t.Errorf("expected the config path in the fatal message, got %q", stderr)
	}
}

func TestMissingExplicitConfigExitsWithExConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo.yaml")
	code, _, stderr := runCLI(t, "report", "--config", path)
	if code != ExitConfig {
		t.Errorf("expected exit code %d, got %d", ExitConfig, code)
	}
	if !strings.Contains(stderr, path) {
		t.Errorf("expected the missing path in the fatal message, got %q", stderr)
	}
}

func TestReportPrintsJournal(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "journal.db")
	jr, err := journal.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	now := time.Now()
	dev := model.Device{BusPath: "1-1", VendorID: "0781", ProductID: "5567", Serial: "AA01"}
	ev := model.AuditEvent{
		BusPath:   "1-1",
		Path:      "/media/stick/invoice.pdf",
		Operation: model.OpCreate,
		ProcName:  "cp",
		PID:       42,
		Risk:      "HIGH",
		Detail:    "executable disguised as pdf",
		TimeStamp: now,
	}
	if err := jr.AppendAudit(ctx, ev); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	rec := journal.HistoryRecord{
		TimeStamp: now,
		Event:     "blocked",
		EntryID:   "e1",
		Device:    dev,
		State:     model.StateBlocked,
		Origin:    model.OriginPolicy,
		FirstSeen: now,
	}
	if err := jr.RecordTransition(ctx, rec); err != nil {
		t.Fatalf("RecordTransition: %v", err)
	}
	jr.Close()

	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("logging:\n  level: warn\n"), 0600); err != nil {
		t.Fatal(err)
	}
	code, out, stderr := runCLI(t, "report", "--config", cfgPath, "--journal", dbPath)
	if code != 0 {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	for _, want := range []string{"invoice.pdf", "cp[42]", "HIGH", "0781:5567", "blocked", "(policy)"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in report:\n%s", want, out)
		}
	}
}

type staticEngine struct {
	snap model.Snapshot
}

func (e staticEngine) Snapshot() model.Snapshot { return e.snap }

func (e staticEngine) Toggle(context.Context, int, string, model.AuthState) (model.DeviceView, error) {
	return model.DeviceView{}, nil
}

func TestDevicesQueriesRunningAgent(t *testing.T) {
	dir, err := os.MkdirTemp("", "uw")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "c.sock")

	log := zaptest.NewLogger(t)
	view := model.DeviceView{
		Index:          1,
		EntryID:        "e1",
		Device:         model.Device{BusPath: "1-2", VendorID: "046d", ProductID: "c52b", Label: "Unifying Receiver", Class: model.ClassHID},
		State:          model.StateAuthorized,
		Origin:         model.OriginManual,
		FirstSeen:      time.Now().Add(-time.Hour),
		NeedsAttention: true,
		LastError:      "permission denied",
	}
	snap := model.Snapshot{Revision: 7, Devices: []model.DeviceView{view}}
	server := ipc.NewServer(socket, log)
	ipc.Register(server, ipc.Agent{Engine: staticEngine{snap: snap}, Sessions: ipc.NewSessions(clock.Real(), time.Second, log)})
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		server.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	code, out, stderr := runCLI(t, "devices", "--socket", socket)
	if code != 0 {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	for _, want := range []string{"046d:c52b", "Unifying Receiver", "authorized", "manual", "1 hour ago", "permission denied"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in:\n%s", want, out)
		}
	}

	code, out, stderr = runCLI(t, "devices", "--socket", socket, "--json")
	if code != 0 {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	var got model.Snapshot
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("expected JSON output: %v\n%s", err, out)
	}
	if got.Revision != 7 || len(got.Devices) != 1 || got.Devices[0].EntryID != "e1" {
		t.Errorf("unexpected snapshot %+v", got)
	}
}

func TestDevicesWithoutAgent(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "none.sock")
	code, _, stderr := runCLI(t, "devices", "--socket", socket)
	if code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr, socket) {
		t.Errorf("expected the socket path in the error, got %q", stderr)
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/zkdefi/shield-client/internal/config"
)

const testUser = "0xabc"

// fakeBackend serves the pool service under /api and the wallet bridge under /wallet.
type fakeBackend struct {
	mu         sync.Mutex
	registered map[string]int64
	executed   [][]json.RawMessage
	proofReqs  []map[string]any
	// execFailures is the number of execute requests the wallet rejects before signing.
	execFailures int
}

func newFakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	return serveBackend(t, &fakeBackend{})
}

func serveBackend(t *testing.T, b *fakeBackend) *httptest.Server {
	t.Helper()
	b.registered = make(map[string]int64)
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return srv
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var body map[string]any
	if r.Method == http.MethodPost {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	reply := func(v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	switch {
	case r.URL.Path == "/api/deposit/generate_commitment":
		reply(map[string]any{
			"commitment":  "0xC0FFEE",
			"user_secret": "0x11",
			"nonce":       "0x22",
			"blinding":    "0x33",
			"amount":      body["amount"],
		})
	case r.URL.Path == "/api/deposit/register_commitment":
		c, _ := body["commitment"].(string)
		idx := int64(len(b.registered))
		b.registered[c] = idx
		reply(map[string]any{"leaf_index": idx, "merkle_root": "0x77"})
	case r.URL.Path == "/api/merkle/root":
		reply(map[string]any{"root": "0x77"})
	case r.URL.Path == "/api/merkle/find_commitment":
		reply(map[string]any{"found": true, "leaf_index": 0, "merkle_root": "0x77"})
	case r.URL.Path == "/api/withdraw/generate_proof":
		b.proofReqs = append(b.proofReqs, body)
		reply(map[string]any{
			"nullifier":      "0x1a",
			"root":           "0x77",
			"recipient":      body["recipient"],
			"proof_calldata": []string{"0x1", "0x2"},
		})
	case strings.HasPrefix(r.URL.Path, "/api/disclosure/"):
		reply(map[string]any{"verified": true, "message": "ok"})
	case r.URL.Path == "/wallet/v1/execute":
		var req struct {
			Calls []json.RawMessage `json:"calls"`
		}
		raw, _ := json.Marshal(body)
		_ = json.Unmarshal(raw, &req)
		b.executed = append(b.executed, req.Calls)
		if b.execFailures > 0 {
			b.execFailures--
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "wallet locked"})
			return
		}
		reply(map[string]any{"transaction_hash": "0xfeed"})
	case strings.HasPrefix(r.URL.Path, "/wallet/v1/receipt/"):
		reply(map[string]any{"status": "accepted", "block_number": 12})
	default:
		http.NotFound(w, r)
	}
}

func testEnv() (*runEnv, *bytes.Buffer) {
	var stdout bytes.Buffer
	return &runEnv{stdout: &stdout, stderr: &bytes.Buffer{}, open: newApp}, &stdout
}

func baseArgs(srvURL, dir string) []string {
	return []string{
		"--user", testUser,
		"--api-url", srvURL + "/api",
		"--wallet-url", srvURL + "/wallet",
		"--pool", "0x0123",
		"--token", "0x0456",
		"--store-driver", config.StoreFile,
		"--store-dir", dir,
		"--log-level", "error",
	}
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	env, stdout := testEnv()
	if err := runMain(context.Background(), env, args); err != nil {
		t.Fatalf("runMain(%v): %v", args[0], err)
	}
	return stdout.String()
}

func TestDepositListWithdraw(t *testing.T) {
	t.Parallel()

	srv := newFakeBackend(t)
	dir := t.TempDir()
	common := baseArgs(srv.URL, dir)

	out := run(t, append([]string{"deposit", "--amount", "1.5", "--pool-type", "neutral"}, common...)...)
	var dep flowOutput
	if err := json.Unmarshal([]byte(out), &dep); err != nil {
		t.Fatalf("decode deposit output: %v\n%s", err, out)
	}
	if dep.State != "settled" || dep.TxHash != "0xfeed" || dep.Commitment != "0xc0ffee" {
		t.Fatalf("deposit: %+v", dep)
	}
	if dep.Amount != "1.5" || dep.PoolType != "neutral" || dep.ReceiptStatus != "accepted" {
		t.Fatalf("deposit: %+v", dep)
	}
	if len(dep.Calls) != 2 || dep.Calls[0].Entrypoint != "approve" || dep.Calls[1].Entrypoint != "deposit" {
		t.Fatalf("deposit calls: %+v", dep.Calls)
	}

	list := run(t, append([]string{"list"}, common...)...)
	if !strings.Contains(list, "0xc0ffee") || !strings.Contains(list, "1.5") || !strings.Contains(list, "neutral") {
		t.Fatalf("list output:\n%s", list)
	}

	out = run(t, append([]string{"withdraw", "--commitment", "0xC0FFEE"}, common...)...)
	var wd flowOutput
	if err := json.Unmarshal([]byte(out), &wd); err != nil {
		t.Fatalf("decode withdraw output: %v\n%s", err, out)
	}
	if wd.State != "settled" || wd.Amount != "1.5" || len(wd.Calls) != 1 || wd.Calls[0].Entrypoint != "withdraw" {
		t.Fatalf("withdraw: %+v", wd)
	}

	list = run(t, append([]string{"list"}, common...)...)
	if strings.Contains(list, "0xc0ffee") {
		t.Fatalf("spent commitment still listed:\n%s", list)
	}
}

func TestWithdrawUnknownCommitment(t *testing.T) {
	t.Parallel()

	srv := newFakeBackend(t)
	env, _ := testEnv()
	args := append([]string{"withdraw", "--commitment", "0x99"}, baseArgs(srv.URL, t.TempDir())...)
	if err := runMain(context.Background(), env, args); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDiscloseAndExport(t *testing.T) {
	t.Parallel()

	srv := newFakeBackend(t)
	dir := t.TempDir()
	common := baseArgs(srv.URL, dir)
	run(t, append([]string{"deposit", "--amount", "2"}, common...)...)

	out := run(t, append([]string{"disclose", "--commitment", "0xc0ffee", "--threshold", "1"}, common...)...)
	if !strings.Contains(out, `"verified": true`) {
		t.Fatalf("disclose output: %s", out)
	}

	path := filepath.Join(t.TempDir(), "export.json")
	run(t, append([]string{"export", "--out", path}, common...)...)
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat export: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("export mode: got %v", st.Mode().Perm())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var exported []map[string]any
	if err := json.Unmarshal(raw, &exported); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(exported) != 1 || exported[0]["commitment"] != "0xc0ffee" || exported[0]["amount"] != "2000000000000000000" {
		t.Fatalf("export: %v", exported)
	}
}

func TestRootAndSync(t *testing.T) {
	t.Parallel()

	srv := newFakeBackend(t)
	common := baseArgs(srv.URL, t.TempDir())
	if got := strings.TrimSpace(run(t, append([]string{"root"}, common...)...)); got != "0x77" {
		t.Fatalf("root: got %q", got)
	}
	if got := strings.TrimSpace(run(t, append([]string{"sync"}, common...)...)); got != "[]" {
		t.Fatalf("sync with nothing pending: got %q", got)
	}
}

func TestUsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		{name: "no command", args: nil},
		{name: "unknown command", args: []string{"bridge"}},
		{name: "unknown flag", args: []string{"list", "--nope"}},
		{name: "deposit without amount", args: []string{"deposit"}},
		{name: "deposit bad pool type", args: []string{"deposit", "--amount", "1", "--pool-type", "reckless"}},
		{name: "withdraw without commitment", args: []string{"withdraw"}},
		{name: "disclose bad kind", args: []string{"disclose", "--commitment", "0x1", "--kind", "everything"}},
		{name: "stray argument", args: []string{"root", "extra"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env, _ := testEnv()
			err := runMain(context.Background(), env, tc.args)
			var ue usageError
			if !errors.As(err, &ue) {
				t.Fatalf("expected usage error, got %v", err)
			}
		})
	}
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()

	env, _ := testEnv()
	err := runMain(context.Background(), env, []string{"list", "--user", testUser, "--store-driver", "floppy"})
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestHelp(t *testing.T) {
	t.Parallel()

	env, stdout := testEnv()
	if err := runMain(context.Background(), env, []string{"help"}); err != nil {
		t.Fatalf("help: %v", err)
	}
	if !strings.Contains(stdout.String(), "deposit") || !strings.Contains(stdout.String(), "watch") {
		t.Fatalf("usage output: %s", stdout.String())
	}
	if err := runMain(context.Background(), env, []string{"list", "-h"}); err != nil {
		t.Fatalf("list -h: %v", err)
	}
}

func TestDepositRetriesSigningWithSameProof(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{execFailures: 1}
	srv := serveBackend(t, b)
	common := baseArgs(srv.URL, t.TempDir())

	out := run(t, append([]string{"deposit", "--amount", "1"}, common...)...)
	var dep flowOutput
	if err := json.Unmarshal([]byte(out), &dep); err != nil {
		t.Fatalf("decode deposit output: %v\n%s", err, out)
	}
	if dep.State != "settled" || dep.TxHash != "0xfeed" {
		t.Fatalf("deposit: %+v", dep)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.executed) != 2 {
		t.Fatalf("execute requests: got %d want 2", len(b.executed))
	}
	first, _ := json.Marshal(b.executed[0])
	second, _ := json.Marshal(b.executed[1])
	if string(first) != string(second) {
		t.Fatalf("retry sent different calls:\n%s\n%s", first, second)
	}
}

func TestDepositGivesUpAfterSignAttempts(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{execFailures: 5}
	srv := serveBackend(t, b)
	env, _ := testEnv()
	args := append([]string{"deposit", "--amount", "1", "--sign-attempts", "3"}, baseArgs(srv.URL, t.TempDir())...)
	if err := runMain(context.Background(), env, args); err == nil {
		t.Fatalf("expected signing error")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.executed) != 3 {
		t.Fatalf("execute requests: got %d want 3", len(b.executed))
	}
	if len(b.registered) != 0 {
		t.Fatalf("unsigned deposit was registered: %v", b.registered)
	}
}

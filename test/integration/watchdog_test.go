package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSystem is a running daemon plus its agents.
type TestSystem struct {
	t          *testing.T
	daemon     *exec.Cmd
	agents     []*exec.Cmd
	daemonAddr string
	httpClient *http.Client
}

const testConfig = `addr: ":18180"
log:
  level: debug
health:
  tiers:
    critical:
      period: 200ms
      miss_limit: 2
  process_poll_interval: 100ms
enforcement:
  dry_run: true
  dump_timeout: 2s
`

func NewTestSystem(t *testing.T) *TestSystem {
	return &TestSystem{
		t:          t,
		daemonAddr: "http://127.0.0.1:18180",
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Start launches the daemon with a fast critical tier.
func (ts *TestSystem) Start() error {
	cfgPath := filepath.Join(ts.t.TempDir(), "watchdogd.yaml")
	if err := os.WriteFile(cfgPath, []byte(testConfig), 0o644); err != nil {
		return err
	}
	ts.t.Log("Starting watchdogd...")
	ts.daemon = exec.Command("./bin/watchdogd", "--config", cfgPath)
	ts.daemon.Stdout = os.Stdout
	ts.daemon.Stderr = os.Stderr
	if err := ts.daemon.Start(); err != nil {
		return fmt.Errorf("failed to start watchdogd: %w", err)
	}
	return ts.waitForService(ts.daemonAddr + "/health")
}

// StartAgent launches a watchdog-client listening on port.
func (ts *TestSystem) StartAgent(id, role string, port int) (string, error) {
	addr := fmt.Sprintf("http://127.0.0.1:%d", port)
	agent := exec.Command("./bin/watchdog-client",
		"--daemon", ts.daemonAddr,
		"--id", id,
		"--role", role,
		"--tier", "critical",
		"--listen", fmt.Sprintf(":%d", port),
		"--addr", addr,
	)
	agent.Stdout = os.Stdout
	agent.Stderr = os.Stderr
	if err := agent.Start(); err != nil {
		return "", fmt.Errorf("failed to start agent %s: %w", id, err)
	}
	ts.agents = append(ts.agents, agent)
	return addr, ts.waitForService(addr + "/health")
}

// Stop kills every process.
func (ts *TestSystem) Stop() {
	for _, agent := range ts.agents {
		if agent.Process != nil {
			_ = agent.Process.Kill()
			_ = agent.Wait()
		}
	}
	if ts.daemon != nil && ts.daemon.Process != nil {
		ts.t.Log("Stopping watchdogd...")
		_ = ts.daemon.Process.Kill()
		_ = ts.daemon.Wait()
	}
}

func (ts *TestSystem) waitForService(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %s", url)
		default:
			resp, err := ts.httpClient.Get(url)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func (ts *TestSystem) clientIDs() ([]string, error) {
	resp, err := ts.httpClient.Get(ts.daemonAddr + "/v1/clients")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var clients []struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&clients); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(clients))
	for _, c := range clients {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (ts *TestSystem) hang(agentAddr string) error {
	req, err := http.NewRequest(http.MethodPut, agentAddr+"/v1/hang", strings.NewReader(`{"hung":true}`))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hang: status %d", resp.StatusCode)
	}
	return nil
}

// TestWatchdog verifies registration, removal of a hung client and the info
// endpoints against both binaries.
func TestWatchdog(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	for _, bin := range []string{"./bin/watchdogd", "./bin/watchdog-client"} {
		if _, err := os.Stat(bin); os.IsNotExist(err) {
			t.Skipf("Skipping integration test: %s not found (build with 'go build -o bin/ ./cmd/...')", bin)
		}
	}

	ts := NewTestSystem(t)
	require.NoError(t, ts.Start())
	defer ts.Stop()

	_, err := ts.StartAgent("healthy", "client", 18181)
	require.NoError(t, err)
	hungAddr, err := ts.StartAgent("hung", "client", 18182)
	require.NoError(t, err)
	_, err = ts.StartAgent("monitor", "monitor", 18183)
	require.NoError(t, err)

	t.Run("ClientsRegister", func(t *testing.T) {
		assert.Eventually(t, func() bool {
			ids, err := ts.clientIDs()
			return err == nil && len(ids) == 2
		}, 5*time.Second, 100*time.Millisecond)
	})

	t.Run("HealthyClientSurvivesRounds", func(t *testing.T) {
		time.Sleep(time.Second)
		ids, err := ts.clientIDs()
		require.NoError(t, err)
		assert.Contains(t, ids, "healthy")
	})

	t.Run("HungClientIsRemoved", func(t *testing.T) {
		require.NoError(t, ts.hang(hungAddr))
		assert.Eventually(t, func() bool {
			ids, err := ts.clientIDs()
			return err == nil && len(ids) == 1 && ids[0] == "healthy"
		}, 5*time.Second, 100*time.Millisecond)
	})

	t.Run("OveruseConfigsServed", func(t *testing.T) {
		resp, err := ts.httpClient.Get(ts.daemonAddr + "/v1/overuse/configs")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("MetricsExposed", func(t *testing.T) {
		resp, err := ts.httpClient.Get(ts.daemonAddr + "/metrics")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

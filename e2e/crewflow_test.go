//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

func TestDaemon_Healthz(t *testing.T) {
	infra := ensureInfra(t)
	bin := build(t, t.TempDir(), "./cmd/crewflowd")

	addr := freeAddr(t)
	var out bytes.Buffer
	cmd := exec.Command(bin)
	cmd.Env = infra.env(
		"CREWFLOW_HTTP_ADDR="+addr,
		"CREWFLOW_RECOMPUTE_INTERVAL=1s",
	)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start crewflowd: %v", err)
	}
	t.Cleanup(func() { stopProcess(t, cmd, &out) })

	waitHTTP200(t, fmt.Sprintf("http://%s/readyz", addr))

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		t.Fatalf("GET /healthz: %v\n%s", err, out.String())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz status=%d, want 200\n%s", resp.StatusCode, out.String())
	}
}

const remodelTemplate = `schema: crewflow.template.v1
name: Kitchen remodel
stages:
  - key: rough
    name: Rough-in
    tasks:
      - key: electrical
        name: Electrical
        sequential: true
        steps:
          - {key: boxes, name: Set boxes, estimated_days: 1}
          - {key: pull, name: Pull wire, estimated_days: 2}
`

type entityRef struct {
	Type string `json:"entityType"`
	ID   string `json:"entityId"`
}

func TestCLI_TemplateToCriticalPath(t *testing.T) {
	infra := ensureInfra(t)
	dir := t.TempDir()
	bin := build(t, dir, "./cmd/crewflowctl")

	tpl := filepath.Join(dir, "remodel.yaml")
	if err := os.WriteFile(tpl, []byte(remodelTemplate), 0o600); err != nil {
		t.Fatalf("write template: %v", err)
	}
	project := fmt.Sprintf("e2e-%d", time.Now().UnixNano())
	today := time.Now().UTC().Format(time.DateOnly)

	run := func(args ...string) ([]byte, error) {
		cmd := exec.Command(bin, append(args, "--project", project, "--actor", "e2e")...)
		cmd.Env = infra.env()
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		out, err := cmd.Output()
		if err != nil {
			return out, fmt.Errorf("%v: %w\n%s", args, err, stderr.String())
		}
		return out, nil
	}
	mustRun := func(args ...string) []byte {
		t.Helper()
		out, err := run(args...)
		if err != nil {
			t.Fatalf("crewflowctl %v", err)
		}
		return out
	}

	var applied struct {
		Units map[string]entityRef `json:"units"`
	}
	if err := json.Unmarshal(mustRun("template", "apply", "--start", today, tpl), &applied); err != nil {
		t.Fatalf("decode apply: %v", err)
	}
	boxes, pull := applied.Units["rough/electrical/boxes"], applied.Units["rough/electrical/pull"]
	if boxes.ID == "" || pull.ID == "" {
		t.Fatalf("applied units = %+v", applied.Units)
	}

	var ready []entityRef
	if err := json.Unmarshal(mustRun("ready"), &ready); err != nil {
		t.Fatalf("decode ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != boxes.ID {
		t.Fatalf("ready = %+v, want only %s", ready, boxes.ID)
	}

	var started struct {
		Started int `json:"started"`
	}
	if err := json.Unmarshal(mustRun("execute-parallel"), &started); err != nil {
		t.Fatalf("decode execute-parallel: %v", err)
	}
	if started.Started != 1 {
		t.Fatalf("started = %d, want 1", started.Started)
	}

	// the stage cannot complete while its steps are open
	_, err := run("action", "COMPLETE_STAGE", "--stage", applied.Units["rough"].ID)
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		t.Fatalf("COMPLETE_STAGE = %v, want refusal exit 1", err)
	}

	mustRun("action", "COMPLETE_STEP", "--step", boxes.ID)
	if err := json.Unmarshal(mustRun("ready"), &ready); err != nil {
		t.Fatalf("decode ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != pull.ID {
		t.Fatalf("ready after completion = %+v, want %s", ready, pull.ID)
	}

	var result struct {
		TotalDays     int         `json:"totalDays"`
		CriticalChain []entityRef `json:"criticalChain"`
	}
	if err := json.Unmarshal(mustRun("recompute", "--export"), &result); err != nil {
		t.Fatalf("decode recompute: %v", err)
	}
	if result.TotalDays < 3 || len(result.CriticalChain) == 0 {
		t.Fatalf("critical path = %+v", result)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := "projects/" + project + "/critical-path/latest.json"
	if _, err := infra.minioClient(t).StatObject(ctx, snapshotsBucket, key, minio.StatObjectOptions{}); err != nil {
		t.Fatalf("stat %s: %v", key, err)
	}
}

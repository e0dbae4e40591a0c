package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestScenesFromFlags_Single(t *testing.T) {
	cmd := evalRasterCmd()
	cmd.Flags().Set("gt", "gt.png")
	cmd.Flags().Set("pred", "pred.png")
	cmd.Flags().Set("scene-id", "tile-7")
	cmd.Flags().Set("rgb", "true")

	scenes, err := scenesFromFlags(cmd)
	if err != nil {
		t.Fatalf("scenesFromFlags() error = %v", err)
	}
	if len(scenes) != 1 {
		t.Fatalf("got %d scenes, want 1", len(scenes))
	}
	s := scenes[0]
	if s.ID != "tile-7" || s.GroundTruth != "gt.png" || s.Prediction != "pred.png" || !s.RGB {
		t.Errorf("scene = %+v", s)
	}
}

func TestScenesFromFlags_List(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenes.yaml")
	content := `
- id: a
  ground_truth: gs://bucket/a-gt.tif
  prediction: gs://bucket/a-pred.tif
- id: b
  ground_truth: b-gt.png
  prediction: b-pred.png
  rgb: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cmd := evalRasterCmd()
	cmd.Flags().Set("scenes", path)

	scenes, err := scenesFromFlags(cmd)
	if err != nil {
		t.Fatalf("scenesFromFlags() error = %v", err)
	}
	if len(scenes) != 2 {
		t.Fatalf("got %d scenes, want 2", len(scenes))
	}
	if scenes[0].GroundTruth != "gs://bucket/a-gt.tif" || scenes[0].RGB {
		t.Errorf("scenes[0] = %+v", scenes[0])
	}
	if scenes[1].ID != "b" || !scenes[1].RGB {
		t.Errorf("scenes[1] = %+v", scenes[1])
	}
}

func TestScenesFromFlags_Errors(t *testing.T) {
	cmd := evalRasterCmd()
	cmd.Flags().Set("gt", "gt.png")
	if _, err := scenesFromFlags(cmd); err == nil {
		t.Error("expected error without --pred")
	}

	cmd = evalRasterCmd()
	cmd.Flags().Set("scenes", "list.yaml")
	cmd.Flags().Set("gt", "gt.png")
	if _, err := scenesFromFlags(cmd); err == nil {
		t.Error("expected error combining --scenes with --gt")
	}
}

func TestEventFilter(t *testing.T) {
	cmd := eventsCmd()
	list, _, err := cmd.Find([]string{"list"})
	if err != nil {
		t.Fatal(err)
	}
	// Persistent flags of the parent are merged on parse.
	if err := list.ParseFlags([]string{"--since", "1h", "--job", "job-7", "--topic", "prediction.failed,prediction.completed"}); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}

	f := eventFilter(list)
	if d := time.Since(f.Since); d < time.Hour || d > time.Hour+time.Minute {
		t.Errorf("Since is %v ago, want about 1h", d)
	}
	if f.JobID != "job-7" {
		t.Errorf("JobID = %q, want job-7", f.JobID)
	}
	if len(f.Topics) != 2 || f.Topics[0] != "prediction.failed" {
		t.Errorf("Topics = %v", f.Topics)
	}
}

func TestEventFilter_Defaults(t *testing.T) {
	cmd := eventsCmd()
	list, _, _ := cmd.Find([]string{"list"})
	if err := list.ParseFlags(nil); err != nil {
		t.Fatal(err)
	}

	f := eventFilter(list)
	if !f.Since.IsZero() || f.JobID != "" || len(f.Topics) != 0 {
		t.Errorf("filter = %+v, want zero", f)
	}
}

func TestEventLogPath(t *testing.T) {
	if _, err := eventLogPath(""); err == nil {
		t.Error("expected error for empty event log path")
	}

	dir := filepath.Join(t.TempDir(), "logs")
	missing := filepath.Join(dir, "events.jsonl")
	if _, err := eventLogPath(missing); err == nil {
		t.Error("expected error for missing event log")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("checking the path must not create %s", dir)
	}

	existing := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(existing, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if got, err := eventLogPath(existing); err != nil || got != existing {
		t.Errorf("eventLogPath() = %q, %v", got, err)
	}
}

package objectstore

import (
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:        "localhost:9000",
		AccessKey:       "a",
		SecretKey:       "b",
		Region:          "us-east-1",
		BucketSnapshots: "schedule-snapshots",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}

	noBucket := valid
	noBucket.BucketSnapshots = " "
	if err := noBucket.Validate(); err == nil {
		t.Fatalf("Validate() expected error for missing bucket")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CREWFLOW_MINIO_BUCKET_SNAPSHOTS", "snaps")
	t.Setenv("CREWFLOW_MINIO_USE_SSL", "true")
	t.Setenv("CREWFLOW_MINIO_PREFIX", "/staging/")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.BucketSnapshots != "snaps" || !cfg.UseSSL || cfg.Prefix != "staging" || cfg.PutTimeout != 10*time.Second {
		t.Fatalf("unexpected config %+v", cfg)
	}

	t.Setenv("CREWFLOW_MINIO_PUT_TIMEOUT", "soon")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("ConfigFromEnv() expected error for bad put timeout")
	}
}

func TestObjectKey(t *testing.T) {
	cases := []struct {
		prefix, key, want string
	}{
		{"", "projects/p-1/critical-path/latest.json", "projects/p-1/critical-path/latest.json"},
		{"", "/projects/p-1/x.json", "projects/p-1/x.json"},
		{"staging", "projects/p-1/x.json", "staging/projects/p-1/x.json"},
	}
	for _, tc := range cases {
		s := &SnapshotStore{bucket: "b", prefix: tc.prefix}
		got, err := s.objectKey(tc.key)
		if err != nil || got != tc.want {
			t.Errorf("objectKey(%q, %q) = %q, %v; want %q", tc.prefix, tc.key, got, err, tc.want)
		}
	}
	if _, err := (&SnapshotStore{}).objectKey(" / "); err == nil {
		t.Fatalf("objectKey expected error for empty key")
	}
}

func TestNewSnapshotStoreRequiresClient(t *testing.T) {
	if _, err := NewSnapshotStore(nil, Config{BucketSnapshots: "b"}); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

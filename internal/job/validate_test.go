package job

import (
	"errors"
	"strings"
	"testing"

	"trainengine/internal/apperrors"
)

func validLocal() Descriptor {
	return Descriptor{
		ID:        "job-1",
		SessionID: "sess-1",
		Backend:   BackendLocal,
		Framework: "ultralytics",
		ModelName: "yolov8n",
		Command:   []string{"python", "train.py"},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		mutate    func(*Descriptor)
		wantField string
	}{
		{"valid local", func(d *Descriptor) {}, ""},
		{"valid kube", func(d *Descriptor) {
			d.Backend = BackendKube
			d.Command = nil
			d.Image = "registry.local/trainer:v3"
		}, ""},
		{"empty ID is allowed", func(d *Descriptor) { d.ID = "" }, ""},
		{"ID too long", func(d *Descriptor) { d.ID = strings.Repeat("a", 129) }, "id"},
		{"ID with invalid characters", func(d *Descriptor) { d.ID = "job/../etc" }, "id"},
		{"ID starting with hyphen", func(d *Descriptor) { d.ID = "-job" }, "id"},
		{"missing session", func(d *Descriptor) { d.SessionID = "" }, "sessionId"},
		{"local without command", func(d *Descriptor) { d.Command = nil }, "command"},
		{"kube without image", func(d *Descriptor) {
			d.Backend = BackendKube
			d.Image = ""
		}, "image"},
		{"unknown backend", func(d *Descriptor) { d.Backend = "slurm" }, "backend"},
		{"missing framework", func(d *Descriptor) { d.Framework = "" }, "framework"},
		{"missing model name", func(d *Descriptor) { d.ModelName = "" }, "modelName"},
		{"timeout over cap", func(d *Descriptor) { d.TimeoutSeconds = 8 * 86400 }, "timeoutSeconds"},
		{"negative gpus", func(d *Descriptor) { d.Resources.GPUs = -1 }, "resources.gpus"},
		{"too many gpus", func(d *Descriptor) { d.Resources.GPUs = 65 }, "resources.gpus"},
		{"oversized config value", func(d *Descriptor) {
			d.Config = map[string]string{"aug": strings.Repeat("x", 1025)}
		}, "config"},
		{"callback URL bad scheme", func(d *Descriptor) { d.CallbackURL = "ftp://host/cb" }, "callbackUrl"},
		{"callback URL no host", func(d *Descriptor) { d.CallbackURL = "http://" }, "callbackUrl"},
		{"callback URL valid", func(d *Descriptor) { d.CallbackURL = "https://engine:8080/cb" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := validLocal()
			tt.mutate(&d)
			err := Validate(&d)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			var appErr *apperrors.Error
			if !errors.As(err, &appErr) || appErr.Field != tt.wantField {
				t.Errorf("error field = %q, want %q (err: %v)", appErr.Field, tt.wantField, err)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	d := Descriptor{SessionID: "s"}
	ApplyDefaults(&d)
	if d.Backend != BackendLocal {
		t.Errorf("Backend = %q, want local", d.Backend)
	}
	if d.TimeoutSeconds != 3600 {
		t.Errorf("TimeoutSeconds = %d, want 3600", d.TimeoutSeconds)
	}
	if d.Resources.CPUCores != 1 || d.Resources.MemoryMB != 2048 {
		t.Errorf("resource defaults wrong: %+v", d.Resources)
	}

	// Explicit values survive.
	d2 := Descriptor{Backend: BackendKube, TimeoutSeconds: 60, Resources: Resources{CPUCores: 8, MemoryMB: 4096}}
	ApplyDefaults(&d2)
	if d2.Backend != BackendKube || d2.TimeoutSeconds != 60 || d2.Resources.CPUCores != 8 {
		t.Errorf("defaults overwrote explicit values: %+v", d2)
	}
}

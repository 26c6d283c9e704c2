package job

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"trainengine/internal/apperrors"
)

// Validation limits
const (
	maxJobIDLength   = 128
	maxSessionIDLen  = 128
	maxGPUs          = 64
	maxCPUCores      = 128
	maxMemoryMB      = 1 << 20 // 1 TB
	maxTimeoutSecs   = 7 * 86400
	maxConfigEntries = 64
	maxConfigKeyLen  = 64
	maxConfigValLen  = 1024
	maxCommandArgs   = 64
)

// jobIDPattern allows alphanumeric, hyphens, and underscores
var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ApplyDefaults sets default values for unspecified descriptor fields.
func ApplyDefaults(d *Descriptor) {
	if d.Backend == "" {
		d.Backend = BackendLocal
	}
	if d.TimeoutSeconds <= 0 {
		d.TimeoutSeconds = 3600
	}
	if d.Resources.CPUCores <= 0 {
		d.Resources.CPUCores = 1
	}
	if d.Resources.MemoryMB <= 0 {
		d.Resources.MemoryMB = 2048
	}
}

// Validate checks a descriptor. It does not modify the descriptor;
// the ID may still be empty here because submission assigns one.
func Validate(d *Descriptor) error {
	if d.ID != "" {
		if len(d.ID) > maxJobIDLength {
			return apperrors.Validation("id", fmt.Sprintf("job ID exceeds maximum length of %d", maxJobIDLength))
		}
		if !jobIDPattern.MatchString(d.ID) {
			return apperrors.Validation("id", "job ID must be alphanumeric (hyphens and underscores allowed, cannot start with hyphen/underscore)")
		}
	}

	if d.SessionID == "" {
		return apperrors.Validation("sessionId", "session ID is required")
	}
	if len(d.SessionID) > maxSessionIDLen {
		return apperrors.Validation("sessionId", fmt.Sprintf("session ID exceeds maximum length of %d", maxSessionIDLen))
	}

	switch d.Backend {
	case BackendLocal:
		if len(d.Command) == 0 {
			return apperrors.Validation("command", "command is required for the local backend")
		}
		if len(d.Command) > maxCommandArgs {
			return apperrors.Validation("command", fmt.Sprintf("command exceeds maximum of %d arguments", maxCommandArgs))
		}
	case BackendKube:
		if d.Image == "" {
			return apperrors.Validation("image", "image is required for the kubernetes backend")
		}
	default:
		return apperrors.Validation("backend", fmt.Sprintf("unknown backend %q", d.Backend))
	}

	if d.Framework == "" {
		return apperrors.Validation("framework", "framework is required")
	}
	if d.ModelName == "" {
		return apperrors.Validation("modelName", "model name is required")
	}

	if d.TimeoutSeconds > maxTimeoutSecs {
		return apperrors.Validation("timeoutSeconds", fmt.Sprintf("timeout exceeds maximum of %d seconds", maxTimeoutSecs))
	}
	if d.Resources.GPUs < 0 || d.Resources.GPUs > maxGPUs {
		return apperrors.Validation("resources.gpus", fmt.Sprintf("gpus must be between 0 and %d", maxGPUs))
	}
	if d.Resources.CPUCores > maxCPUCores {
		return apperrors.Validation("resources.cpuCores", fmt.Sprintf("cpu cores exceed maximum of %d", maxCPUCores))
	}
	if d.Resources.MemoryMB > maxMemoryMB {
		return apperrors.Validation("resources.memoryMB", fmt.Sprintf("memory exceeds maximum of %d MB", maxMemoryMB))
	}

	if len(d.Config) > maxConfigEntries {
		return apperrors.Validation("config", fmt.Sprintf("config exceeds maximum of %d entries", maxConfigEntries))
	}
	for k, v := range d.Config {
		if len(k) > maxConfigKeyLen {
			return apperrors.Validation("config", fmt.Sprintf("config key exceeds maximum length of %d", maxConfigKeyLen))
		}
		if len(v) > maxConfigValLen {
			return apperrors.Validation("config", fmt.Sprintf("config value exceeds maximum length of %d", maxConfigValLen))
		}
	}

	if d.CallbackURL != "" {
		if err := validateURL(d.CallbackURL); err != nil {
			return apperrors.Validation("callbackUrl", fmt.Sprintf("invalid callback URL: %v", err))
		}
	}

	return nil
}

func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for a component
func GenerateLogrotateConfig(component string) string {
	return fmt.Sprintf(`# Logrotate configuration for forkpool %s
# Install: sudo cp this file to /etc/logrotate.d/forkpool-%s

%s/%s/*.log {
    daily
    rotate 14
    compress
    delaycompress
    missingok
    notifempty

    # Workers keep their descriptors open; truncate in place instead of
    # asking the supervisor to reopen files.
    copytruncate
}
`, component, component, DefaultBaseDir, component)
}

// GenerateSupervisorLogrotate generates logrotate config for the supervisor
func GenerateSupervisorLogrotate() string {
	return GenerateLogrotateConfig("supervisor")
}

// GenerateWorkerLogrotate generates logrotate config for workers
func GenerateWorkerLogrotate() string {
	return GenerateLogrotateConfig("worker")
}

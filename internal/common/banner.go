package common

import (
	"fmt"

	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and the effective runtime settings
func PrintBanner(version string, config *Config) {
	banner.PrintSimple("Taskforge", version)
	fmt.Printf("  storage:   %s\n", config.Storage.Type)
	fmt.Printf("  provider:  %s\n", config.LLM.DefaultProvider)
	fmt.Printf("  poll:      %s\n", config.Scheduler.PollInterval)
	fmt.Printf("  events:    %v\n\n", config.Events.Transports)
}

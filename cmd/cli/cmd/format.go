package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func decisionIcon(decision string) string {
	switch decision {
	case "AUTO_UPLOAD", "AUTO_SUBMIT_OK":
		return colorGreen + "✓" + colorReset
	case "REVIEW_REQUIRED":
		return colorYellow + "?" + colorReset
	case "NO_MATCH":
		return colorDim + "◯" + colorReset
	default:
		return "•"
	}
}

func outcomeIcon(outcome string) string {
	switch outcome {
	case "uploaded":
		return colorGreen + "✓" + colorReset
	case "failed":
		return colorRed + "✗" + colorReset
	case "skipped":
		return colorCyan + "-" + colorReset
	default:
		return "•"
	}
}

// splitList turns "a, b,,c" into [a b c]. An empty string yields nil.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// optionalInt returns nil for negative values so the server sees the limit as missing.
func optionalInt(v int) *int {
	if v < 0 {
		return nil
	}
	return &v
}

func optionalFloat(v float64) *float64 {
	if v < 0 {
		return nil
	}
	return &v
}

func printAPIError(cmd *cobra.Command, action string, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code != "" {
			cmd.Printf("%s failed (%d): %s: %s\n", action, apiErr.StatusCode, apiErr.Code, apiErr.Message)
		} else {
			cmd.Printf("%s failed (%d): %s\n", action, apiErr.StatusCode, apiErr.Message)
		}
		if apiErr.EvidenceRef != "" {
			cmd.Printf("Evidence: %s\n", apiErr.EvidenceRef)
		}
		return
	}
	cmd.Printf("%s failed: %v\n", action, err)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("Mon, 02 Jan 2006 15:04:05 MST")
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

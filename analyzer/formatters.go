package analyzer

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var numberPrinter = message.NewPrinter(language.AmericanEnglish)

// FormatNumber prints v with en-US digit grouping and the given number of decimals.
func FormatNumber(v float64, decimals int) string {
	return numberPrinter.Sprintf(fmt.Sprintf("%%.%df", decimals), v)
}

// FormatMillis prints a millisecond amount, e.g. "1,234.500 ms".
func FormatMillis(ms float64) string {
	return FormatNumber(ms, 3) + " ms"
}

// RuntimeTooltip renders the runtime of a trace node twice: auto-scaled (seconds once
// either value reaches 1000 ms) and always in milliseconds.
func RuntimeTooltip(runtimeMs, sampledMs float64) Tooltip {
	var t Tooltip
	if runtimeMs >= 1000 || sampledMs >= 1000 {
		t.Auto = fmt.Sprintf("Runtime: %s s (sampled: ~%s s)",
			FormatNumber(runtimeMs/1000, 3), FormatNumber(sampledMs/1000, 3))
	} else {
		t.Auto = fmt.Sprintf("Runtime: %s (sampled: ~%s)",
			FormatMillis(runtimeMs), FormatMillis(sampledMs))
	}
	t.Millis = fmt.Sprintf("Runtime: %s (sampled: ~%s)", FormatMillis(runtimeMs), FormatMillis(sampledMs))
	return t
}

// FormatSampleValue converts a metric value to a human-readable string.
func FormatSampleValue(value float64, unit string) string {
	switch unit {
	case "nanoseconds", "ns":
		d := time.Duration(value)
		if d >= time.Second {
			return fmt.Sprintf("%.2fs", d.Seconds())
		}
		if d >= time.Millisecond {
			return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
		}
		if d >= time.Microsecond {
			return fmt.Sprintf("%.2fus", float64(d)/float64(time.Microsecond))
		}
		return fmt.Sprintf("%dns", d.Nanoseconds())
	case "count", "":
		return FormatNumber(value, 0)
	case "bytes":
		return FormatBytes(int64(value))
	default:
		return fmt.Sprintf("%s %s", FormatNumber(value, 0), unit)
	}
}

// FormatBytes converts a byte count to a human-readable string (KiB, MiB, ...).
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

package telegram

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"projcast/internal/projection"
)

const textLimit = 4000

var errUsage = errors.New("usage: /project <start> <growth%>")

// formatSnapshot renders one line per month, aligned for a monospace client.
func formatSnapshot(s projection.Snapshot) string {
	if !s.Set {
		return "No projection published yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Projection #%d (%s)\n", s.Seq, s.UpdatedAt.UTC().Format(time.RFC3339))
	for i, m := range projection.Months {
		fmt.Fprintf(&b, "%s %12.2f\n", m, projection.Round2(s.Values[i]))
	}
	return strings.TrimRight(b.String(), "\n")
}

// splitCommand returns the lower-cased command without any @botname suffix
// and its whitespace-separated arguments. cmd is empty for plain text.
func splitCommand(text string) (cmd string, args []string) {
	f := strings.Fields(text)
	if len(f) == 0 || !strings.HasPrefix(f[0], "/") {
		return "", nil
	}
	cmd = f[0]
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), f[1:]
}

// parseProjectArgs accepts "<start> <growth>" where growth is a percent and
// may carry a trailing "%". Decimal commas are accepted.
func parseProjectArgs(args []string) (start, growth float64, err error) {
	if len(args) != 2 {
		return 0, 0, errUsage
	}
	start, err = parseNumber(args[0])
	if err != nil {
		return 0, 0, fmt.Errorf("start value: %w", err)
	}
	growth, err = parseNumber(strings.TrimSuffix(args[1], "%"))
	if err != nil {
		return 0, 0, fmt.Errorf("growth rate: %w", err)
	}
	return start, growth, nil
}

func parseNumber(s string) (float64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not finite", s)
	}
	return v, nil
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that leave chunks at least a third full.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

const helpText = `Commands:
/project <start> <growth%> - publish a new projection
/projection - show the current projection
/watch - send every update to this chat
/unwatch - stop sending updates`

package engine

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/types"
)

// CheckSize validates a target capacity against the cluster's size bounds
// and the global per-cluster cap. Non-nil minSize/maxSize override the
// cluster's stored bounds, as a resize request may adjust them.
func CheckSize(c *types.Cluster, desired int, minSize, maxSize *int, cfg *config.Config) error {
	lo := c.MinSize
	if minSize != nil {
		lo = *minSize
	}
	hi := c.MaxSize
	if maxSize != nil {
		hi = *maxSize
	}

	if lo < 0 {
		return fmt.Errorf("min_size must be a non-negative integer")
	}
	if hi < -1 {
		return fmt.Errorf("max_size must be -1 (unbounded) or a non-negative integer")
	}
	if hi >= 0 && lo > hi {
		return fmt.Errorf("min_size (%d) must not exceed max_size (%d)", lo, hi)
	}
	if desired < lo {
		return fmt.Errorf("the target capacity (%d) is less than the cluster's min_size (%d)", desired, lo)
	}
	if hi >= 0 && desired > hi {
		return fmt.Errorf("the target capacity (%d) is greater than the cluster's max_size (%d)", desired, hi)
	}
	if cfg != nil && cfg.MaxNodesPerCluster > 0 && desired > cfg.MaxNodesPerCluster {
		return fmt.Errorf("the target capacity (%d) exceeds the maximum nodes per cluster (%d)",
			desired, cfg.MaxNodesPerCluster)
	}
	return nil
}

// Truncate clamps a target capacity into the cluster's bounds for
// best-effort sizing. Non-nil minSize/maxSize override the stored bounds.
func Truncate(c *types.Cluster, desired int, minSize, maxSize *int) int {
	lo := c.MinSize
	if minSize != nil {
		lo = *minSize
	}
	hi := c.MaxSize
	if maxSize != nil {
		hi = *maxSize
	}
	if desired < lo {
		return lo
	}
	if hi >= 0 && desired > hi {
		return hi
	}
	return desired
}

// ParseResize converts a resize adjustment into the new target capacity.
// Percentage deltas round away from zero, then are lifted to min_step when
// smaller in magnitude.
func ParseResize(in types.ActionInputs, current int) (int, error) {
	switch in.AdjustmentType {
	case types.ExactCapacity:
		return int(in.Number), nil

	case types.ChangeInCapacity:
		return current + int(in.Number), nil

	case types.ChangeInPercentage:
		raw := float64(current) * in.Number / 100.0
		step := int(raw)
		if raw != float64(step) {
			if raw > 0 {
				step++
			} else {
				step--
			}
		}
		if in.MinStep > 0 && abs(step) < in.MinStep {
			if in.Number >= 0 {
				step = in.MinStep
			} else {
				step = -in.MinStep
			}
		}
		return current + step, nil

	case "":
		return 0, fmt.Errorf("resize requires an adjustment_type")

	default:
		return 0, fmt.Errorf("unknown adjustment_type '%s'", in.AdjustmentType)
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// defaultNameFormat is used when the cluster config does not set one
const defaultNameFormat = "node-$3I"

// nodeName renders a node name from the cluster's "node.name.format"
// config key. "$nI" expands to the zero-padded node index, "$nR" to n
// random hex digits; everything else is literal.
func nodeName(c *types.Cluster, index int) string {
	format := ""
	if c.Config != nil {
		format = c.Config["node.name.format"]
	}
	if format == "" {
		format = defaultNameFormat
	}

	var b strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] != '$' {
			b.WriteByte(format[i])
			continue
		}
		width := 0
		j := i + 1
		for j < len(format) && format[j] >= '0' && format[j] <= '9' {
			width = width*10 + int(format[j]-'0')
			j++
		}
		if j >= len(format) {
			b.WriteString(format[i:])
			break
		}
		switch format[j] {
		case 'I':
			if width > 0 {
				fmt.Fprintf(&b, "%0*d", width, index)
			} else {
				fmt.Fprintf(&b, "%d", index)
			}
		case 'R':
			if width <= 0 {
				width = 8
			}
			b.WriteString(randHex(width))
		default:
			b.WriteString(format[i : j+1])
		}
		i = j
	}
	return b.String()
}

func randHex(n int) string {
	const digits = "0123456789abcdef"
	out := make([]byte, n)
	for i := range out {
		out[i] = digits[rand.Intn(len(digits))]
	}
	return string(out)
}

package engine

import (
	"regexp"
	"testing"

	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(n int) *int { return &n }

func TestCheckSize(t *testing.T) {
	c := &types.Cluster{MinSize: 2, MaxSize: 10}
	cfg := config.DefaultConfig()

	tests := []struct {
		name    string
		desired int
		minSize *int
		maxSize *int
		wantErr string
	}{
		{"within bounds", 5, nil, nil, ""},
		{"at min", 2, nil, nil, ""},
		{"at max", 10, nil, nil, ""},
		{"below min", 1, nil, nil, "the target capacity (1) is less than the cluster's min_size (2)"},
		{"negative", -2, nil, nil, "the target capacity (-2) is less than the cluster's min_size (2)"},
		{"above max", 11, nil, nil, "the target capacity (11) is greater than the cluster's max_size (10)"},
		{"override lifts max", 12, nil, intp(15), ""},
		{"override tightens min", 3, intp(4), nil, "the target capacity (3) is less than the cluster's min_size (4)"},
		{"negative min override", 5, intp(-1), nil, "min_size must be a non-negative integer"},
		{"bad max override", 5, nil, intp(-2), "max_size must be -1 (unbounded) or a non-negative integer"},
		{"min above max", 5, intp(8), intp(6), "min_size (8) must not exceed max_size (6)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckSize(c, tt.desired, tt.minSize, tt.maxSize, cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, err.Error())
			}
		})
	}
}

func TestCheckSizeUnboundedMax(t *testing.T) {
	c := &types.Cluster{MinSize: 0, MaxSize: -1}
	assert.NoError(t, CheckSize(c, 500, nil, nil, nil))
}

func TestCheckSizeGlobalCap(t *testing.T) {
	c := &types.Cluster{MinSize: 0, MaxSize: -1}
	cfg := config.DefaultConfig()
	cfg.MaxNodesPerCluster = 100

	assert.NoError(t, CheckSize(c, 100, nil, nil, cfg))
	err := CheckSize(c, 101, nil, nil, cfg)
	require.Error(t, err)
	assert.Equal(t, "the target capacity (101) exceeds the maximum nodes per cluster (100)", err.Error())
}

func TestTruncate(t *testing.T) {
	c := &types.Cluster{MinSize: 2, MaxSize: 10}

	assert.Equal(t, 5, Truncate(c, 5, nil, nil))
	assert.Equal(t, 2, Truncate(c, 0, nil, nil))
	assert.Equal(t, 10, Truncate(c, 25, nil, nil))

	// unbounded max never clamps upward
	unbounded := &types.Cluster{MinSize: 0, MaxSize: -1}
	assert.Equal(t, 1000, Truncate(unbounded, 1000, nil, nil))

	// overrides win over the stored bounds
	assert.Equal(t, 15, Truncate(c, 25, nil, intp(15)))
	assert.Equal(t, 4, Truncate(c, 1, intp(4), nil))
}

func TestParseResize(t *testing.T) {
	tests := []struct {
		name    string
		in      types.ActionInputs
		current int
		want    int
		wantErr string
	}{
		{"exact", types.ActionInputs{AdjustmentType: types.ExactCapacity, Number: 7}, 3, 7, ""},
		{"exact shrink", types.ActionInputs{AdjustmentType: types.ExactCapacity, Number: 0}, 3, 0, ""},
		{"delta grow", types.ActionInputs{AdjustmentType: types.ChangeInCapacity, Number: 2}, 3, 5, ""},
		{"delta shrink", types.ActionInputs{AdjustmentType: types.ChangeInCapacity, Number: -2}, 3, 1, ""},
		{"percent grow", types.ActionInputs{AdjustmentType: types.ChangeInPercentage, Number: 50}, 4, 6, ""},
		{"percent rounds away from zero", types.ActionInputs{AdjustmentType: types.ChangeInPercentage, Number: 10}, 5, 6, ""},
		{"negative percent rounds away from zero", types.ActionInputs{AdjustmentType: types.ChangeInPercentage, Number: -10}, 5, 4, ""},
		{"percent lifted to min_step", types.ActionInputs{AdjustmentType: types.ChangeInPercentage, Number: 10, MinStep: 3}, 10, 13, ""},
		{"negative percent lifted to min_step", types.ActionInputs{AdjustmentType: types.ChangeInPercentage, Number: -10, MinStep: 3}, 10, 7, ""},
		{"min_step not applied when step larger", types.ActionInputs{AdjustmentType: types.ChangeInPercentage, Number: 100, MinStep: 2}, 10, 20, ""},
		{"missing type", types.ActionInputs{}, 3, 0, "resize requires an adjustment_type"},
		{"unknown type", types.ActionInputs{AdjustmentType: "TRIPLE_IT"}, 3, 0, "unknown adjustment_type 'TRIPLE_IT'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResize(tt.in, tt.current)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, err.Error())
			}
		})
	}
}

func TestNodeName(t *testing.T) {
	withFormat := func(f string) *types.Cluster {
		return &types.Cluster{Config: map[string]string{"node.name.format": f}}
	}

	// default format zero-pads the index to three digits
	assert.Equal(t, "node-007", nodeName(&types.Cluster{}, 7))
	assert.Equal(t, "node-123", nodeName(&types.Cluster{}, 123))

	assert.Equal(t, "web-42", nodeName(withFormat("web-$I"), 42))
	assert.Equal(t, "web-0042", nodeName(withFormat("web-$4I"), 42))
	assert.Equal(t, "plain", nodeName(withFormat("plain"), 1))

	// $R expands to random hex of the requested width
	got := nodeName(withFormat("n-$4R-x"), 1)
	assert.Regexp(t, regexp.MustCompile(`^n-[0-9a-f]{4}-x$`), got)
	got = nodeName(withFormat("n-$R"), 1)
	assert.Regexp(t, regexp.MustCompile(`^n-[0-9a-f]{8}$`), got)

	// a trailing $ stays literal
	assert.Equal(t, "odd-$", nodeName(withFormat("odd-$"), 1))
}
